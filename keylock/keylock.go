// Package keylock provides mutual exclusion keyed by numeric id.
//
// Entries are created on first use and reference counted, so the table only
// holds mutexes for ids that are currently locked or waited on.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table is a lazily populated map of id to mutex.
type Table struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[int64]*entry)}
}

// Lock acquires the lock for id.
func (t *Table) Lock(id int64) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for id. Unlocking an id that is not locked panics,
// as with sync.Mutex.
func (t *Table) Unlock(id int64) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		panic("keylock: unlock of unlocked id")
	}
	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	e.mu.Unlock()
}

// With runs fn while holding the lock for id.
func (t *Table) With(id int64, fn func()) {
	t.Lock(id)
	defer t.Unlock(id)
	fn()
}

// Len returns the number of ids currently held or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
