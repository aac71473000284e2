package inject

import (
	"strings"
	"sync"
)

// NameCache maps interned names to their table ids. Flag, annotation and
// field name ids are never deleted, so these caches live for the whole
// process. Address ids are not cached here; they are only remembered for the
// duration of one injection transaction.
type NameCache struct {
	mu   sync.RWMutex
	ids  map[string]int
	fold bool
}

// NewNameCache returns an empty cache. With fold set, lookups are
// case-insensitive (flag names compare that way).
func NewNameCache(fold bool) *NameCache {
	return &NameCache{ids: make(map[string]int), fold: fold}
}

func (c *NameCache) key(name string) string {
	if c.fold {
		return strings.ToLower(name)
	}
	return name
}

// Lookup returns the cached id for name.
func (c *NameCache) Lookup(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[c.key(name)]
	return id, ok
}

// Add records the id for name.
func (c *NameCache) Add(name string, id int) {
	c.mu.Lock()
	c.ids[c.key(name)] = id
	c.mu.Unlock()
}

// Len returns the number of cached names.
func (c *NameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
