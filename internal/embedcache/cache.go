// Package embedcache holds recently computed query embeddings in memory.
//
// The cache is a plain performance optimisation: it is never persisted and
// losing it only costs repeated embedding calls.
package embedcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultSize = 128
	DefaultTTL  = 5 * time.Minute
)

type entry struct {
	vector     []float32
	insertedAt time.Time
}

// Cache is a size-bounded LRU of query text to vector with a fixed TTL
// measured from insertion. Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, entry]
	ttl   time.Duration
	now   func() time.Time
	stats Stats
}

// Stats counts cache outcomes since construction.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Expired int64 `json:"expired"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache holding at most size entries for ttl each.
// Non-positive values fall back to DefaultSize and DefaultTTL.
func New(size int, ttl time.Duration, opts ...Option) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l, err := lru.New[string, entry](size)
	if err != nil {
		// Only returned for a non-positive size.
		l, _ = lru.New[string, entry](DefaultSize)
	}
	c := &Cache{lru: l, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached vector and marks it most recently used.
// An expired entry is removed and reported as a miss.
func (c *Cache) Get(query string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(query)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.lru.Remove(query)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return cloneVector(e.vector), true
}

// Set stores a copy of vector under query, replacing any existing entry and
// restarting its TTL. At capacity the least recently used entry is evicted.
func (c *Cache) Set(query string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(query, entry{vector: cloneVector(vector), insertedAt: c.now()})
}

// Len returns the number of entries, including any not yet found expired.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func cloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
