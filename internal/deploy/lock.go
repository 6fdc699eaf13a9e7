// ABOUTME: Per-deployment mutual exclusion serializing state-mutating operations.
// ABOUTME: FIFO critical sections keyed by deployment id; different ids run in parallel.

package deploy

import "sync"

// LockManager serializes critical sections per deployment id. Sections for
// the same id run one at a time in arrival order; sections for different ids
// proceed fully in parallel. The lock is advisory and in-process only: it
// does not protect against another orchestrator process or an out-of-band
// database write touching the same row.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	waiters int
	tail    chan struct{} // closed when the most recently queued section completes
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*lockState)}
}

// WithLock runs fn with exclusivity for the given deployment id. If no other
// section is running for this id, fn starts immediately; otherwise it waits
// until every previously queued section has completed. The lock is released
// when fn returns, error or not — callers never release it manually. The map
// entry is removed once the queue empties, so an idle deployment leaves no
// footprint.
func (l *LockManager) WithLock(id string, fn func() error) error {
	l.mu.Lock()
	st, ok := l.locks[id]
	if !ok {
		st = &lockState{}
		l.locks[id] = st
	}
	st.waiters++
	prev := st.tail
	done := make(chan struct{})
	st.tail = done
	l.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		close(done)
		l.mu.Lock()
		st.waiters--
		if st.waiters == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}()

	return fn()
}

// Held reports how many deployments currently have a queued or running
// section. Used by tests to verify cleanup.
func (l *LockManager) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
