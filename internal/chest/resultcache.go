package chest

import "sync"

// MemoryResultCache is the per-user tool-result cache shared by every tool
// of one runtime cache entry.
//
// Thread Safety:
// MemoryResultCache is safe for concurrent use.
type MemoryResultCache struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewMemoryResultCache creates an empty cache.
func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{entries: make(map[string]any)}
}

// Get returns the cached value for key.
func (c *MemoryResultCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Set stores a value under key, replacing any previous value.
func (c *MemoryResultCache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = value
	c.mu.Unlock()
}

// Delete removes the value under key.
func (c *MemoryResultCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
