package marketdata

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheTTL(t *testing.T) {
	c := NewCache(10)
	now := time.Now()

	c.Set("k", "v", time.Minute, now)

	v, ok := c.Get("k", now.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = c.Get("k", now.Add(61*time.Second))
	assert.False(t, ok)
}

func TestCacheBulkEviction(t *testing.T) {
	c := NewCache(50)
	now := time.Now()

	// Fill to capacity with strictly increasing ages.
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Hour, now.Add(time.Duration(i)*time.Second))
	}
	require.Equal(t, 50, c.Len())

	// One more insert evicts the oldest ~20% in bulk, not a single entry.
	c.Set("overflow", "x", time.Hour, now.Add(time.Hour))
	assert.Equal(t, 41, c.Len())

	// The oldest entries are the ones gone.
	at := now.Add(time.Hour)
	for i := 0; i < 10; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i), at)
		assert.False(t, ok, "k%d should have been evicted", i)
	}
	_, ok := c.Get("k49", at)
	assert.True(t, ok)
	_, ok = c.Get("overflow", at)
	assert.True(t, ok)
}

func TestCacheStats(t *testing.T) {
	c := NewCache(10)
	now := time.Now()

	c.Set("k", 1, time.Minute, now)
	c.Get("k", now)
	c.Get("k", now)
	c.Get("missing", now)

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestCacheKeyCanonical(t *testing.T) {
	a := CacheKey("XAUUSD", []Timeframe{H1, M5, M15})
	b := CacheKey("XAUUSD", []Timeframe{M5, M15, H1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CacheKey("EURUSD", []Timeframe{M5, M15, H1}))
}
