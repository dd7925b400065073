package timer

import "sync"

// entityLocks serializes mutations per entity. Entries are refcounted and
// dropped when unused so the map tracks only live contention.
type entityLocks struct {
	mu sync.Mutex
	m  map[EntityID]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func (l *entityLocks) lock(e EntityID) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[EntityID]*entityLock)
	}
	el := l.m[e]
	if el == nil {
		el = &entityLock{}
		l.m[e] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.m, e)
		}
		l.mu.Unlock()
	}
}
