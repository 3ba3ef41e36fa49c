package risk

import "sync"

// HistoryCache serves external history to the evaluation path without I/O.
// It is refreshed out of band from the durable store.
type HistoryCache struct {
	mu      sync.RWMutex
	entries map[string]History
}

// NewHistoryCache returns an empty cache.
func NewHistoryCache() *HistoryCache {
	return &HistoryCache{entries: make(map[string]History)}
}

// Get returns the cached history, zero when unknown.
func (c *HistoryCache) Get(entityID string) History {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[entityID]
}

// Set stores history for one entity.
func (c *HistoryCache) Set(entityID string, h History) {
	c.mu.Lock()
	c.entries[entityID] = h
	c.mu.Unlock()
}

// Replace swaps in a freshly loaded table.
func (c *HistoryCache) Replace(entries map[string]History) {
	fresh := make(map[string]History, len(entries))
	for k, v := range entries {
		fresh[k] = v
	}
	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()
}

// Len reports the number of cached entities.
func (c *HistoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
