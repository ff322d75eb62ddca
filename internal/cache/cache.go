// Package cache provides a small in-memory TTL cache for remote lookup
// results, such as Drive folder ids, that are expensive to recompute.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Stats holds cache counters.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is a string-keyed cache with per-entry expiry.
type Cache interface {
	// Get retrieves a fresh cached value.
	Get(key string) (string, bool)

	// Set stores a value under the default TTL.
	Set(key, value string)

	// SetTTL stores a value with an explicit TTL.
	SetTTL(key, value string, ttl time.Duration)

	// Delete removes a single key.
	Delete(key string)

	// DeletePrefix removes every key with the given prefix and returns
	// how many were dropped.
	DeletePrefix(prefix string) int

	// Clear removes all entries and resets the counters.
	Clear()

	// Stats returns cache statistics.
	Stats() Stats
}

type entry struct {
	value     string
	storedAt  time.Time
	expiresAt time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	ttl      time.Duration
	maxItems int
	stats    Stats
}

// New creates an in-memory cache. Entries expire after defaultTTL and at
// most maxItems are kept; inserting into a full cache evicts the oldest
// entry.
func New(defaultTTL time.Duration, maxItems int) Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if maxItems <= 0 {
		maxItems = 1024
	}
	return &memoryCache{
		entries:  make(map[string]*entry),
		ttl:      defaultTTL,
		maxItems: maxItems,
	}
}

// Get retrieves a fresh cached value. Expired entries are dropped on read.
func (c *memoryCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return "", false
	}
	if e.expired() {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Misses++
		return "", false
	}

	c.stats.Hits++
	return e.value, true
}

// Set stores a value under the default TTL.
func (c *memoryCache) Set(key, value string) {
	c.SetTTL(key, value, 0)
}

// SetTTL stores a value with an explicit TTL.
func (c *memoryCache) SetTTL(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxItems {
		c.evictLocked()
	}
	c.entries[key] = &entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
}

// Delete removes a single key.
func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every key with the given prefix. Used to drop a
// whole cached subtree when a remote folder moves or disappears.
func (c *memoryCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Clear removes all entries and resets the counters.
func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.stats = Stats{}
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

// evictLocked makes room for one insertion: expired entries go first, then
// the oldest entry. Must be called with the lock held.
func (c *memoryCache) evictLocked() {
	for key, e := range c.entries {
		if e.expired() {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}

	for len(c.entries) >= c.maxItems {
		oldestKey := ""
		var oldest time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey = key
				oldest = e.storedAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}
