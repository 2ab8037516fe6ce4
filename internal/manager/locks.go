package manager

import "sync"

// lockTable hands out one mutex per project id. Entries are created on
// first use and kept for the manager's lifetime; the table is bounded by
// the number of known projects.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int64]*sync.Mutex)}
}

// Lock acquires the project's lock and returns its release func, so
// callers can write `defer t.Lock(id)()`.
func (t *lockTable) Lock(id int64) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
