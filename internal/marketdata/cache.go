package marketdata

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxEntries bounds the candle cache. When the bound is hit the oldest
// chunk of entries is evicted in bulk rather than tracking strict LRU order.
const DefaultMaxEntries = 50

// evictFraction is the share of entries dropped on each bulk eviction.
const evictFraction = 0.2

type cacheEntry struct {
	value       interface{}
	refreshedAt time.Time
	ttl         time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.refreshedAt) > e.ttl
}

// Cache is a bounded TTL cache. Values are idempotent re-derivations of the
// same upstream truth, so racing writers are harmless.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a bounded TTL cache. maxEntries <= 0 uses DefaultMaxEntries.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value if present and inside its TTL.
func (c *Cache) Get(key string, now time.Time) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || entry.expired(now) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.value, true
}

// Set stores a value with its TTL, evicting the oldest entries in bulk when
// the cache is full.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &cacheEntry{value: value, refreshedAt: now, ttl: ttl}
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// evictOldest drops the oldest ~20% of entries by refresh time. Caller must
// hold the write lock.
func (c *Cache) evictOldest() {
	n := int(float64(c.maxEntries) * evictFraction)
	if n < 1 {
		n = 1
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.refreshedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
}
