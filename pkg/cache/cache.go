// Package cache provides a TTL cache with a size ceiling for retrieved
// context and model responses.
package cache

import (
	"container/list"
	"sync"
	"time"

	"callpilot/pkg/util"
)

// Config holds cache configuration
type Config struct {
	// TTL is how long an entry stays readable after insertion
	TTL time.Duration `json:"ttl" env:"CACHE_TTL" default:"5m"`

	// MaxEntries is the size ceiling; the oldest entry is evicted beyond it
	MaxEntries int `json:"max_entries" env:"CACHE_MAX_ENTRIES" default:"1000"`

	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration `json:"cleanup_interval" env:"CACHE_CLEANUP_INTERVAL" default:"1m"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() *Config {
	return &Config{
		TTL:             5 * time.Minute,
		MaxEntries:      1000,
		CleanupInterval: time.Minute,
	}
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	createdAt time.Time
	ttl       time.Duration
	element   *list.Element
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// Stats reports cache usage
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache is a thread-safe TTL cache. Entries are kept in insertion order and
// the oldest entry is evicted once MaxEntries is exceeded. Overwriting a key
// refreshes its insertion time.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]*entry[K, V]
	order      *list.List // front is newest
	maxEntries int
	defaultTTL time.Duration
	clock      util.Clock

	hits      int64
	misses    int64
	evictions int64

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a cache. A nil clock uses the wall clock.
func New[K comparable, V any](cfg *Config, clock util.Clock) *Cache[K, V] {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Cache[K, V]{
		items:      make(map[K]*entry[K, V]),
		order:      list.New(),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.TTL,
		clock:      util.OrRealClock(clock),
		stop:       make(chan struct{}),
	}
}

// Get returns the value for key. An entry read after createdAt+ttl is a miss
// and is dropped.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if e.expired(c.clock.Now()) {
		c.removeLocked(e)
		c.misses++
		return zero, false
	}

	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key with a custom TTL
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if existing, ok := c.items[key]; ok {
		existing.value = value
		existing.createdAt = now
		existing.ttl = ttl
		c.order.MoveToFront(existing.element)
		return
	}

	e := &entry[K, V]{key: key, value: value, createdAt: now, ttl: ttl}
	e.element = c.order.PushFront(e)
	c.items[key] = e

	c.evictLocked(now)
}

// Delete removes key from the cache
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of stored entries, expired or not
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns usage counters
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      len(c.items),
		MaxSize:   c.maxEntries,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// RemoveExpired purges all expired entries and returns how many were removed
func (c *Cache[K, V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, e := range c.items {
		if e.expired(now) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// StartJanitor purges expired entries every interval until Close is called
func (c *Cache[K, V]) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RemoveExpired()
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the janitor
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// evictLocked drops expired entries first, then the oldest until the
// ceiling holds. Callers must hold c.mu.
func (c *Cache[K, V]) evictLocked(now time.Time) {
	if c.maxEntries <= 0 || len(c.items) <= c.maxEntries {
		return
	}

	for el := c.order.Back(); el != nil && len(c.items) > c.maxEntries; {
		prev := el.Prev()
		if e := el.Value.(*entry[K, V]); e.expired(now) {
			c.removeLocked(e)
			c.evictions++
		}
		el = prev
	}

	for len(c.items) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Value.(*entry[K, V]))
		c.evictions++
	}
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	delete(c.items, e.key)
	c.order.Remove(e.element)
}
