// Package storelock provides per-store mutual exclusion with skip-on-
// contention semantics. There is no queue: a caller that finds the key held
// walks away immediately, because contention means the same store is
// already being handled. Locks live in process memory and die with the
// process; a multi-process deployment must swap the map for an external
// SETNX-style primitive with the same non-blocking behavior.
package storelock

import "sync"

// Outcome reports what TryWithLock did. Skipped=true means the key was
// already held and fn never ran; it is a normal scheduling result, not an
// error. Err carries fn's error when the lock was acquired.
type Outcome struct {
	Skipped bool
	Err     error
}

// Manager owns the key→holder table. The zero value is not usable; call
// NewManager.
type Manager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewManager() *Manager {
	return &Manager{held: make(map[string]struct{})}
}

// TryAcquire attempts a non-blocking exclusive acquisition of key.
func (m *Manager) TryAcquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return false
	}
	m.held[key] = struct{}{}
	return true
}

// Release frees key. Releasing an unheld key is a no-op.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
}

// Held reports whether key is currently locked.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, taken := m.held[key]
	return taken
}

// TryWithLock runs fn while holding an exclusive lock on key. If the key is
// already held the call returns {Skipped: true} without running fn. The
// lock is released on every exit path of fn — normal return, error return,
// or panic (which propagates after release). Locks never nest and never
// queue, so contention cannot deadlock.
func (m *Manager) TryWithLock(key string, fn func() error) Outcome {
	if !m.TryAcquire(key) {
		return Outcome{Skipped: true}
	}
	defer m.Release(key)
	return Outcome{Err: fn()}
}
