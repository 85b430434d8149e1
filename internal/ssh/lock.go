package ssh

import (
	"context"
	"sync"
)

// lockToken identifies one logical holder of a reentrantMutex. It travels
// in the holder's context, so re-entry works across goroutines that share
// that context.
type lockToken struct{}

type lockKey struct{ m *reentrantMutex }

// reentrantMutex is a mutex its holder may acquire again through the
// context returned by the first acquisition.
type reentrantMutex struct {
	sem chan struct{}

	mu    sync.Mutex
	owner *lockToken
	depth int
}

func newReentrantMutex() *reentrantMutex {
	return &reentrantMutex{sem: make(chan struct{}, 1)}
}

// lock acquires the mutex, or bumps the depth when ctx already carries the
// current owner's token. first reports whether this call took ownership.
// The returned release must be called exactly once.
func (m *reentrantMutex) lock(ctx context.Context) (_ context.Context, release func(), first bool, err error) {
	if tok, ok := ctx.Value(lockKey{m}).(*lockToken); ok {
		m.mu.Lock()
		if m.owner == tok {
			m.depth++
			m.mu.Unlock()
			return ctx, m.unlock, false, nil
		}
		m.mu.Unlock()
	}

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, false, ctx.Err()
	}

	tok := &lockToken{}
	m.mu.Lock()
	m.owner = tok
	m.depth = 1
	m.mu.Unlock()
	return context.WithValue(ctx, lockKey{m}, tok), m.unlock, true, nil
}

func (m *reentrantMutex) unlock() {
	m.mu.Lock()
	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return
	}
	m.owner = nil
	m.mu.Unlock()
	<-m.sem
}

// held reports whether ctx carries the token of the current owner.
func (m *reentrantMutex) held(ctx context.Context) bool {
	tok, ok := ctx.Value(lockKey{m}).(*lockToken)
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == tok
}
