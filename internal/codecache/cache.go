// Package codecache stages spider source code between the store fetch and
// the compile step. Entries are single use: resolving a name consumes it.
package codecache

import (
	"sync"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// Cache maps spider names to staged source code.
type Cache struct {
	mu      sync.Mutex
	entries map[string]string
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]string)}
}

// Put stages source for name, replacing any stale entry.
func (c *Cache) Put(name, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = source
}

// Resolve consumes and returns the staged source for name.
func (c *Cache) Resolve(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.entries[name]
	if !ok {
		return "", spider.Errorf(spider.ErrNotFound, name, "no staged source code")
	}
	delete(c.entries, name)
	return src, nil
}

// Has reports whether source is staged for name.
func (c *Cache) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok
}

// Drop discards any staged source for name.
func (c *Cache) Drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// Len returns the number of staged entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
