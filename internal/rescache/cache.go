// Package rescache memoizes idempotent fetch results so strategies across
// jobs do not re-fetch the same underlying resource. Only read operations may
// be cached; that contract is the caller's to uphold.
package rescache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a TTL cache with optional capacity-bounded LRU eviction.
// Concurrent misses for the same key are collapsed into a single fetch.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int

	group singleflight.Group
	now   func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// New creates a cache. maxEntries <= 0 disables capacity eviction (TTL only).
func New(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (c *Cache) WithNow(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Key builds a cache key from normalized request parameters.
func Key(parts ...string) string {
	norm := make([]string, len(parts))
	for i, p := range parts {
		norm[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(norm, "\x1f")
}

// GetOrFetch returns the cached value for key, or runs fetch and caches its
// result for ttl. The boolean reports whether the value came from cache.
// Fetch errors are not cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, true, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the key while we queued.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	en := el.Value.(*entry)
	if !en.expiresAt.After(c.now()) {
		c.lru.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return en.value, true
}

func (c *Cache) store(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		en := el.Value.(*entry)
		en.value = value
		en.expiresAt = c.now().Add(ttl)
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{key: key, value: value, expiresAt: c.now().Add(ttl)})
	c.entries[key] = el

	if c.maxEntries > 0 {
		for len(c.entries) > c.maxEntries {
			oldest := c.lru.Back()
			if oldest == nil {
				break
			}
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry).key)
			c.evictions.Add(1)
		}
	}
}

// Len returns the number of live entries, including not-yet-swept expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}
