package ssh

import (
	"context"
	"errors"
	"sync"

	"github.com/agent462/relay/internal/executor"
	"github.com/agent462/relay/internal/transfer"
)

// dialResult holds the outcome of a connect attempt, shared between
// goroutines waiting for the same endpoint.
type dialResult struct {
	conn *Conn
	err  error
}

// Registry caches one connection per endpoint for the lifetime of the
// process (or until CloseAll). It implements executor.Resolver.
type Registry struct {
	mu       sync.Mutex
	conns    map[executor.Endpoint]*Conn
	inflight map[executor.Endpoint]chan dialResult // per-endpoint dial coordination
	base     ClientConfig
	hosts    map[executor.Endpoint]HostConfig
}

// HostConfig holds per-endpoint overrides of the base configuration.
type HostConfig struct {
	User         string
	IdentityFile string
	ProxyJump    string
	Password     string
}

// NewRegistry creates an empty registry. Target uses base with the
// per-endpoint overrides in hosts.
func NewRegistry(base ClientConfig, hosts map[executor.Endpoint]HostConfig) *Registry {
	return &Registry{
		conns:    make(map[executor.Endpoint]*Conn),
		inflight: make(map[executor.Endpoint]chan dialResult),
		base:     base,
		hosts:    hosts,
	}
}

// Target implements executor.Resolver.
func (r *Registry) Target(ctx context.Context, ep executor.Endpoint) (executor.Target, error) {
	conn, err := r.Connect(ctx, ep, r.ConfigFor(ep))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Files implements transfer.Provider.
func (r *Registry) Files(ctx context.Context, ep executor.Endpoint) (*transfer.Client, error) {
	conn, err := r.Connect(ctx, ep, r.ConfigFor(ep))
	if err != nil {
		return nil, err
	}
	return conn.SFTP(ctx)
}

// ConfigFor returns the base configuration with the overrides for ep applied.
func (r *Registry) ConfigFor(ep executor.Endpoint) ClientConfig {
	conf := r.base
	if hc, ok := r.hosts[ep]; ok {
		if hc.User != "" {
			conf.User = hc.User
		}
		if hc.IdentityFile != "" {
			conf.IdentityFiles = []string{hc.IdentityFile}
		}
		if hc.ProxyJump != "" {
			conf.ProxyJump = hc.ProxyJump
		}
		if hc.Password != "" {
			conf.Password = hc.Password
		}
	}
	return conf
}

// Connect returns the cached connection for ep when its credentials match
// conf, connecting it if needed. Otherwise, or with conf.ForceNew, it dials
// a new connection that replaces the cached one. Concurrent first calls for
// the same endpoint share one dial.
func (r *Registry) Connect(ctx context.Context, ep executor.Endpoint, conf ClientConfig) (*Conn, error) {
	creds := conf.credentials()

	for {
		r.mu.Lock()

		if c, ok := r.conns[ep]; ok && !conf.ForceNew && c.creds.Equal(&creds) {
			r.mu.Unlock()
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}

		// Another goroutine is dialing this endpoint: wait, then look again.
		if ch, ok := r.inflight[ep]; ok {
			r.mu.Unlock()
			select {
			case res := <-ch:
				// Put the result back so other waiters can also read it.
				ch <- res
				if res.err != nil && !conf.ForceNew && (res.conn == nil || res.conn.creds.Equal(&creds)) {
					return nil, res.err
				}
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch := make(chan dialResult, 1)
		r.inflight[ep] = ch
		r.mu.Unlock()

		c, err := r.dial(ctx, ep, conf)

		r.mu.Lock()
		delete(r.inflight, ep)
		var old *Conn
		if err == nil {
			old = r.conns[ep]
			r.conns[ep] = c
		}
		r.mu.Unlock()

		if old != nil && old != c {
			old.Close()
		}
		ch <- dialResult{conn: c, err: err}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (r *Registry) dial(ctx context.Context, ep executor.Endpoint, conf ClientConfig) (*Conn, error) {
	c, err := NewConn(ep, conf)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Get returns the cached connection for ep, if any.
func (r *Registry) Get(ep executor.Endpoint) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[ep]
	return c, ok
}

// IsConnected reports whether a cached, live connection exists for ep.
func (r *Registry) IsConnected(ep executor.Endpoint) bool {
	c, ok := r.Get(ep)
	return ok && c.IsAlive()
}

// Len returns the number of cached connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Remove closes and evicts the connection cached for ep.
func (r *Registry) Remove(ep executor.Endpoint) error {
	r.mu.Lock()
	c, ok := r.conns[ep]
	delete(r.conns, ep)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close()
}

// CloseAll closes every cached connection and empties the registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[executor.Endpoint]*Conn)
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
