package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"callpilot/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(maxEntries int, ttl time.Duration) (*Cache[string, string], *util.FakeClock) {
	clock := util.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return New[string, string](&Config{TTL: ttl, MaxEntries: maxEntries}, clock), clock
}

func TestCache_GetSet(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("fast_cost_fees_monthly", "cached")
	v, ok := c.Get("fast_cost_fees_monthly")
	require.True(t, ok)
	assert.Equal(t, "cached", v)
}

func TestCache_ExpiresStrictlyAfterTTL(t *testing.T) {
	c, clock := newTestCache(10, 5*time.Minute)
	c.Set("k", "v")

	clock.Advance(5 * time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry is still readable exactly at the TTL")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry is a miss strictly after the TTL")
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on lookup")
}

func TestCache_SetWithTTL(t *testing.T) {
	c, clock := newTestCache(10, time.Hour)
	c.SetWithTTL("short", "v", time.Second)
	c.Set("long", "v")

	clock.Advance(2 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestCache_EvictsOldestFirst(t *testing.T) {
	c, clock := newTestCache(3, time.Hour)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
		clock.Advance(time.Second)
	}

	// reading k0 does not protect it; eviction follows insertion order
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Set("k3", "v")
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get("k0")
	assert.False(t, ok)
	for _, k := range []string{"k1", "k2", "k3"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_OverwriteRefreshesAge(t *testing.T) {
	c, clock := newTestCache(2, time.Hour)

	c.Set("a", "1")
	clock.Advance(time.Second)
	c.Set("b", "1")
	clock.Advance(time.Second)
	c.Set("a", "2")
	c.Set("c", "1")

	_, ok := c.Get("b")
	assert.False(t, ok, "b became the oldest entry")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestCache_EvictionPrefersExpired(t *testing.T) {
	c, clock := newTestCache(2, time.Hour)

	c.Set("old", "v")
	c.SetWithTTL("stale", "v", time.Second)
	clock.Advance(2 * time.Second)
	c.Set("new", "v")

	_, ok := c.Get("old")
	assert.True(t, ok, "expired entry goes before the oldest live one")
}

func TestCache_RemoveExpiredAndStats(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Set("a", "v")
	c.Set("b", "v")
	clock.Advance(2 * time.Minute)
	c.Set("c", "v")

	assert.Equal(t, 2, c.RemoveExpired())

	c.Get("c")
	c.Get("a")
	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCache_Concurrent(t *testing.T) {
	c, _ := newTestCache(50, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (i*100+j)%80)
				c.Set(key, "v")
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c, _ := newTestCache(1, time.Minute)
	c.StartJanitor(time.Millisecond)
	c.Close()
	c.Close()
}
