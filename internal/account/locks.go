package account

import "sync"

// Locks serializes per-user hot paths. Order admission, fills, cancels, and
// account resets all take the user's lock so ledger writes and position
// mutations for one user never interleave.
type Locks struct {
	mu    sync.Mutex
	byKey map[string]*sync.Mutex
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{byKey: make(map[string]*sync.Mutex)}
}

// Acquire locks the user's mutex and returns the release function.
func (l *Locks) Acquire(userID string) func() {
	l.mu.Lock()
	m, ok := l.byKey[userID]
	if !ok {
		m = &sync.Mutex{}
		l.byKey[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
