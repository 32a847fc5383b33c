// Package keymutex implements a mutex keyed by an arbitrary comparable value,
// so that concurrent callers contending on different keys never block one
// another. It is used to serialize session recovery per session-id: the
// Access Authority should see at most one session_get in flight for a given
// id, while recoveries for distinct ids proceed in parallel.
package keymutex

import "sync"

// Map is a registry of per-key mutexes. Entries are created on first use and
// removed once no goroutine holds or waits on them.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*refCountedMutex
}

type refCountedMutex struct {
	mu  sync.Mutex
	ref int
}

// New returns an empty keyed-mutex registry.
func New[K comparable]() *Map[K] {
	return &Map[K]{
		entries: make(map[K]*refCountedMutex),
	}
}

// Lock acquires the mutex for key, creating it if necessary, and returns an
// unlock function that must be called exactly once to release it.
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &refCountedMutex{}
		m.entries[key] = e
	}
	e.ref++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.ref--
			if e.ref == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}
