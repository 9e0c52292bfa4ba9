// Package cache implements the status cache: namespace+key entries with
// per-entry TTL, compute-on-miss memoization, and namespace-wide
// invalidation.
package cache

import (
	"sync"
	"time"
)

type entryKey struct {
	ns  string
	key string
}

type entry struct {
	value  any
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiry)
}

// Stats reports cumulative cache activity.
type Stats struct {
	Size    int
	Hits    int64
	Misses  int64
	Cleaned int64
}

// Cache is a concurrency-safe TTL cache keyed by (namespace, key).
type Cache struct {
	mu      sync.Mutex
	entries map[entryKey]entry
	hits    int64
	misses  int64
	cleaned int64
	now     func() time.Time
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[entryKey]entry),
		now:     time.Now,
	}
}

// Get returns the value stored under (ns, key), or ok=false on miss
// (absent or expired). An expired entry is lazily removed and counted
// under Cleaned.
func (c *Cache) Get(ns, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ns, key)
}

func (c *Cache) getLocked(ns, key string) (any, bool) {
	k := entryKey{ns, key}
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, k)
		c.misses++
		c.cleaned++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under (ns, key) with an absolute expiry of now+ttl. A
// ttl <= 0 makes the entry immediately expired (i.e. a no-op cache).
func (c *Cache) Set(ns, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entryKey{ns, key}] = entry{value: value, expiry: c.now().Add(ttl)}
}

// ComputeFunc produces a value to memoize, or an error to propagate
// without caching.
type ComputeFunc func() (any, error)

// GetOrCompute returns the cached value if present and unexpired;
// otherwise it invokes fn and memoizes the result under ttl. Concurrent
// calls on the same key may compute twice: no per-key lock is held
// across the fn() call, so unrelated cache operations never block
// behind a slow compute.
func (c *Cache) GetOrCompute(ns, key string, ttl time.Duration, fn ComputeFunc) (any, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(ns, key); ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := fn()
	if err != nil {
		return nil, err
	}
	c.Set(ns, key, v, ttl)
	return v, nil
}

// Invalidate removes the entry under (ns, key), if any.
func (c *Cache) Invalidate(ns, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entryKey{ns, key})
}

// InvalidateNamespace removes every entry under ns.
func (c *Cache) InvalidateNamespace(ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.ns == ns {
			delete(c.entries, k)
		}
	}
}

// Stats returns a snapshot of cumulative cache activity and current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:    len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		Cleaned: c.cleaned,
	}
}
