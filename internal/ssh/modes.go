package ssh

import (
	"sync"
)

// Toggle selects a mode for the duration of a scope.
type Toggle int

const (
	// Default enables the mode.
	Default Toggle = iota
	On
	Off
)

func (t Toggle) enabled() bool { return t != Off }

func (t Toggle) String() string {
	switch t {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "default"
	}
}

// modeStack is a boolean mode with push/pop history. The bottom entry is the
// persistent setting.
type modeStack struct {
	mu      sync.Mutex
	entries []modeEntry
	gen     uint64
}

// modeEntry is one pushed value, tagged with the push that created it.
type modeEntry struct {
	gen   uint64
	value bool
}

func newModeStack(persistent bool) *modeStack {
	return &modeStack{entries: []modeEntry{{value: persistent}}}
}

func (s *modeStack) current() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1].value
}

func (s *modeStack) persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[0].value
}

// push sets v and returns the func restoring the previous value. Restoring
// drops the entry and everything pushed after it. Restoring more than once,
// or after an enclosing restore already dropped the entry, is a no-op.
func (s *modeStack) push(v bool) (restore func()) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.entries = append(s.entries, modeEntry{gen: gen, value: v})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := len(s.entries) - 1; i > 0; i-- {
			if s.entries[i].gen == gen {
				s.entries = s.entries[:i]
				return
			}
		}
	}
}

// Sudo switches privilege mode and returns the func restoring the previous
// mode. Typical use:
//
//	defer conn.Sudo(ssh.On)()
func (c *Conn) Sudo(mode Toggle) (restore func()) {
	return c.pushMode("sudo", c.sudo, mode)
}

// KeepAlive controls whether leaving the outermost Scope keeps the
// connection open. It returns the func restoring the previous setting.
func (c *Conn) KeepAlive(mode Toggle) (restore func()) {
	return c.pushMode("keepalive", c.keepAlive, mode)
}

// WithSudo runs fn in privilege mode. The previous mode is restored when fn
// returns or panics.
func (c *Conn) WithSudo(mode Toggle, fn func() error) error {
	defer c.Sudo(mode)()
	return fn()
}

// WithKeepAlive runs fn with the keep-alive mode set. The previous mode is
// restored when fn returns or panics.
func (c *Conn) WithKeepAlive(mode Toggle, fn func() error) error {
	defer c.KeepAlive(mode)()
	return fn()
}

func (c *Conn) pushMode(name string, s *modeStack, mode Toggle) func() {
	v := mode.enabled()
	if p := s.persistent(); p != v {
		c.logger.Debug().Str("mode", name).Bool("persistent", p).Stringer("scope", mode).Msg("scope overrides persistent mode")
	}
	return s.push(v)
}

// SudoActive reports whether commands currently run through sudo.
func (c *Conn) SudoActive() bool { return c.sudo.current() }

// KeepAliveActive reports whether the connection survives scope exit.
func (c *Conn) KeepAliveActive() bool { return c.keepAlive.current() }
