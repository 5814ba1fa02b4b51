// Package guard provides per-key mutual exclusion so read-modify-write
// sequences on the same swarm never interleave, while unrelated swarms
// stay fully concurrent.
package guard

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // capacity 1, holds the lock token
	refs int
}

type Guard struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func New() *Guard {
	return &Guard{keys: make(map[string]*entry)}
}

func (g *Guard) acquire(ctx context.Context, key string) (*entry, error) {
	g.mu.Lock()
	e, ok := g.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		g.keys[key] = e
	}
	e.refs++
	g.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return e, nil
	case <-ctx.Done():
		g.release(key, e, false)
		return nil, ctx.Err()
	}
}

func (g *Guard) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	g.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(g.keys, key)
	}
	g.mu.Unlock()
}

// Do runs fn while holding the lock for key. The lock is released on every
// exit path, including panics and fn returning an error. Waiting for the
// lock respects ctx cancellation.
func (g *Guard) Do(ctx context.Context, key string, fn func() error) error {
	e, err := g.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer g.release(key, e, true)
	return fn()
}

// Locked reports whether key is currently held or contended. Intended for
// tests and diagnostics only.
func (g *Guard) Locked(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[key]
	return ok
}
