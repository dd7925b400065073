// Package guard provides per-key, non-queuing mutual exclusion.
//
// A second TryAcquire for a key that is already held fails immediately; callers
// drop the work instead of waiting. The returned release func is idempotent so it
// can be deferred unconditionally.
package guard

import (
	"sync"
	"sync/atomic"
)

type Guard struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64

	acquired atomic.Uint64
	rejected atomic.Uint64
	released atomic.Uint64
}

// Stats is a point-in-time view of guard activity.
type Stats struct {
	Held     int
	Acquired uint64
	Rejected uint64
	Released uint64
}

func New() *Guard {
	return &Guard{held: make(map[string]uint64)}
}

// TryAcquire takes the token for key. ok=false means someone else holds it.
// Keys are compared byte for byte.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	if g == nil || key == "" {
		return func() {}, true
	}

	g.mu.Lock()
	if g.held == nil {
		g.held = make(map[string]uint64)
	}
	if _, busy := g.held[key]; busy {
		g.mu.Unlock()
		g.rejected.Add(1)
		return func() {}, false
	}
	g.seq++
	token := g.seq
	g.held[key] = token
	g.mu.Unlock()
	g.acquired.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() { g.release(key, token) })
	}, true
}

func (g *Guard) release(key string, token uint64) {
	g.mu.Lock()
	// Token check: a stale release must never free a newer holder.
	if cur, ok := g.held[key]; ok && cur == token {
		delete(g.held, key)
		g.mu.Unlock()
		g.released.Add(1)
		return
	}
	g.mu.Unlock()
}

// Held reports whether key is currently held.
func (g *Guard) Held(key string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	_, ok := g.held[key]
	g.mu.Unlock()
	return ok
}

func (g *Guard) Stats() Stats {
	if g == nil {
		return Stats{}
	}
	g.mu.Lock()
	n := len(g.held)
	g.mu.Unlock()
	return Stats{
		Held:     n,
		Acquired: g.acquired.Load(),
		Rejected: g.rejected.Load(),
		Released: g.released.Load(),
	}
}
