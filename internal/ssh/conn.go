// Package ssh runs commands on remote hosts over SSH and caches the
// connections in a Registry.
package ssh

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/transfer"
)

// Conn is a connection to one endpoint. It connects lazily, reconnects when
// the transport was lost, and runs every command on a fresh session.
//
// Connect, Reconnect and Close are serialized by a reentrant mutex. Scope
// holds that mutex for its whole duration; code running inside a scope must
// pass the context it was given so that nested calls re-enter instead of
// blocking. Close must not be called from inside a scope.
type Conn struct {
	ep     executor.Endpoint
	conf   ClientConfig
	creds  Credentials
	logger zerolog.Logger
	core   *executor.Core

	lock *reentrantMutex

	mu    sync.Mutex // guards t and files for readers outside the lock
	t     *transport
	files *transfer.Client

	sudo      *modeStack
	keepAlive *modeStack
}

// NewConn creates an unconnected Conn for ep.
func NewConn(ep executor.Endpoint, conf ClientConfig) (*Conn, error) {
	c := &Conn{
		ep:        ep,
		conf:      conf,
		creds:     conf.credentials(),
		logger:    conf.Logger.With().Stringer("endpoint", ep).Logger(),
		lock:      newReentrantMutex(),
		sudo:      newModeStack(conf.Sudo),
		keepAlive: newModeStack(conf.KeepAlive),
	}
	core, err := executor.NewCore(sessionSpawner{c}, executor.CoreConfig{
		Logger:      conf.Logger,
		MaskPattern: conf.MaskPattern,
		Endpoint:    &ep,
		Defaults:    conf.Defaults,
	})
	if err != nil {
		return nil, err
	}
	c.core = core
	return c, nil
}

// Endpoint returns the endpoint this connection targets.
func (c *Conn) Endpoint() executor.Endpoint { return c.ep }

// Credentials returns a copy of the credentials used to authenticate.
func (c *Conn) Credentials() Credentials { return c.creds.clone() }

// IsAlive reports whether a transport exists and has not been seen closed.
// A silently dropped connection is only noticed by the next operation.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil && c.t.alive()
}

// Connect establishes the connection if it is not alive.
func (c *Conn) Connect(ctx context.Context) error {
	ctx, release, _, err := c.lock.lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.connectLocked(ctx)
}

// Reconnect replaces the current transport with a fresh one.
func (c *Conn) Reconnect(ctx context.Context) error {
	ctx, release, _, err := c.lock.lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	c.closeLocked()
	return c.connectLocked(ctx)
}

// Close closes the connection. A later command reconnects.
func (c *Conn) Close() error {
	_, release, _, err := c.lock.lock(context.Background())
	if err != nil {
		return err
	}
	defer release()
	return c.closeLocked()
}

// Scope connects, runs fn while holding the connection lock, and on leaving
// the outermost scope closes the connection unless keep-alive is active.
// The restore of the lock and the close also happen when fn panics.
func (c *Conn) Scope(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, release, first, err := c.lock.lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	if first {
		defer func() {
			if !c.keepAlive.current() {
				c.closeLocked()
			}
		}()
	}
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// SFTP returns the file-transfer client of this connection, opening it on
// first use. It is closed together with the connection.
func (c *Conn) SFTP(ctx context.Context) (*transfer.Client, error) {
	ctx, release, _, err := c.lock.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.files == nil {
		files, err := transfer.NewClient(c.t.client, transfer.WithLogger(c.logger))
		if err != nil {
			return nil, fmt.Errorf("open sftp on %s: %w", c.ep, err)
		}
		c.files = files
	}
	return c.files, nil
}

// Run executes command on a new session. See executor.Core.Run.
func (c *Conn) Run(ctx context.Context, command string, opts ...executor.Option) (*executor.Result, error) {
	return c.core.Run(ctx, command, opts...)
}

// Check runs command and verifies its exit code. See executor.Core.Check.
func (c *Conn) Check(ctx context.Context, command string, opts ...executor.Option) (*executor.Result, error) {
	return c.core.Check(ctx, command, opts...)
}

// CheckNoStderr is Check with exit code 0 and empty stderr required.
func (c *Conn) CheckNoStderr(ctx context.Context, command string, opts ...executor.Option) (*executor.Result, error) {
	return c.core.CheckNoStderr(ctx, command, opts...)
}

// Spawn starts command and returns without waiting.
func (c *Conn) Spawn(ctx context.Context, command string, opts ...executor.Option) (executor.Process, error) {
	return c.core.Spawn(ctx, command, opts...)
}

// Mask returns command as it appears in the logs.
func (c *Conn) Mask(command string, opts ...executor.Option) string {
	return c.core.Mask(command, opts...)
}

// connectLocked dials unless a live transport exists. The lock must be held.
func (c *Conn) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	if t != nil {
		if t.alive() {
			return nil
		}
		c.logger.Debug().Msg("transport lost, reconnecting")
		c.closeLocked()
	}

	t, err := dial(ctx, c.ep.Host, c.ep.Port, c.creds, c.conf)
	if err != nil {
		return WrapConnectError(c.ep.String(), err)
	}
	c.logger.Debug().Msg("connected")

	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) closeLocked() error {
	c.mu.Lock()
	t, files := c.t, c.files
	c.t, c.files = nil, nil
	c.mu.Unlock()

	if files != nil {
		files.Close()
	}
	if t == nil {
		return nil
	}
	c.logger.Debug().Msg("closing connection")
	return t.Close()
}

// transport returns a live transport, connecting if needed.
func (c *Conn) transport(ctx context.Context) (*transport, error) {
	ctx, release, _, err := c.lock.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t, nil
}

// replace reconnects unless another caller already replaced stale.
func (c *Conn) replace(ctx context.Context, stale *transport) (*transport, error) {
	ctx, release, _, err := c.lock.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	c.mu.Lock()
	current := c.t
	c.mu.Unlock()
	if current == stale {
		c.closeLocked()
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t, nil
}

// newSession opens a session, reconnecting once when the transport turns
// out to be gone. Authentication failures are never retried.
func (c *Conn) newSession(ctx context.Context) (*ssh.Session, error) {
	t, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := t.client.NewSession()
	if err == nil {
		return sess, nil
	}
	if !isReconnectable(err) {
		return nil, fmt.Errorf("new session: %w", err)
	}

	c.logger.Debug().Err(err).Msg("session open failed, reconnecting")
	if t, err = c.replace(ctx, t); err != nil {
		return nil, err
	}
	sess, err = t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w: %w", executor.ErrTransportLoss, err)
	}
	return sess, nil
}
