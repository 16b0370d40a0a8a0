// Package keylock provides a self-cleaning table of per-key mutexes.
//
// It generalizes the single global sync.Mutex pattern used elsewhere in this
// codebase's in-memory stores to fine-grained, per-identity locking: callers
// touching distinct keys never block one another, while callers touching the
// same key are strictly serialized. The table only holds entries for keys
// currently under contention; an entry is removed the moment its last waiter
// releases it, so the table's size tracks live contention, not the set of
// keys ever seen.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table is a lazily populated set of per-key mutexes. The zero value is not
// usable; construct one with New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock blocks until the caller holds exclusive access to key, then returns a
// function that releases it. The returned function must be called exactly
// once, typically via defer.
func (t *Table) Lock(key string) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	unlocked := false
	return func() {
		if unlocked {
			return
		}
		unlocked = true
		e.mu.Unlock()

		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

// Len reports the number of keys currently under contention. Intended for
// tests asserting the table does not grow unboundedly.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
