// Package keymutex provides per-key mutual exclusion with FIFO ordering.
//
// The manager serializes work within a single process only. A holder that
// never releases (for example, a hung store call inside the critical
// section) starves every later caller for that key; there is deliberately
// no timeout masking that condition.
package keymutex

import "sync"

// Manager maps keys to a chain of pending completions. A new caller
// attaches itself after the current tail, waits for its predecessor,
// and on release wakes the next waiter. Entries are removed as soon as
// the chain for a key drains.
type Manager struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		tails: make(map[string]chan struct{}),
	}
}

// Lock blocks until the caller holds key, then returns the release
// function. Calls for the same key are granted in arrival order; calls
// for different keys do not contend.
func (m *Manager) Lock(key string) func() {
	m.mu.Lock()
	prev := m.tails[key]
	own := make(chan struct{})
	m.tails[key] = own
	m.mu.Unlock()

	if prev != nil {
		<-prev
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.tails[key] == own {
				delete(m.tails, key)
			}
			m.mu.Unlock()
			close(own)
		})
	}
}

// Do runs fn while holding key.
func (m *Manager) Do(key string, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()
	return fn()
}

// Pending reports the number of keys currently held or queued.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}
