package cache

import (
	"sync"
	"time"
)

// Cache is a small thread-safe TTL cache for rendered text artifacts:
// the M3U directory playlist and the merged XMLTV guide. Entries expire
// individually; Invalidate drops everything after a directory reload.
type Cache struct {
	entries  map[string]cacheEntry
	mu       sync.RWMutex
	duration time.Duration
}

type cacheEntry struct {
	data      string
	timestamp time.Time
	ttl       time.Duration
}

// NewCache creates a Cache whose entries expire after the given duration
// unless SetWithTTL overrides it per entry.
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]cacheEntry),
		duration: duration,
	}
}

// Get returns the cached value for key when present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || time.Since(entry.timestamp) > entry.ttl {
		return "", false
	}
	return entry.data, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache) Set(key, value string) {
	c.SetWithTTL(key, value, c.duration)
}

// SetWithTTL stores value under key with an explicit TTL. The guide uses a
// long TTL since it is rebuilt on its own schedule.
func (c *Cache) SetWithTTL(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		data:      value,
		timestamp: time.Now(),
		ttl:       ttl,
	}
}

// Invalidate removes every entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
