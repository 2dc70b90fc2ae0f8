package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// memoryEntry holds a marshaled value and its absolute expiry. A zero
// expiresAt means "never expires".
type memoryEntry struct {
	b         []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache backed by a mutex-guarded map.
// Lazily evicts expired entries on access rather than running a
// sweeper goroutine — fine at Mimosa's scale of a few thousand IPs.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(key string, dst any) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(e.b, dst); err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *MemoryCache) Set(key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{b: b, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

// Len reports the number of entries currently held, expired or not —
// used by tests only.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
