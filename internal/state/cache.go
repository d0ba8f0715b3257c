package state

import "sync/atomic"

// Cache holds the single current Snapshot.
// Reads are lock-free; Replace swaps a pointer and never touches the old value.
type Cache struct {
	cur atomic.Pointer[Snapshot]
}

// NewCache creates a Cache holding initial.
func NewCache(initial Snapshot) *Cache {
	c := &Cache{}
	c.cur.Store(&initial)
	return c
}

// Read returns the current snapshot.
func (c *Cache) Read() Snapshot {
	return *c.cur.Load()
}

// Replace installs s as the current snapshot.
func (c *Cache) Replace(s Snapshot) {
	c.cur.Store(&s)
}
