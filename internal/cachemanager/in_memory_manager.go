// Package cachemanager provides TTL-bounded in-memory caches used on
// hot read paths, such as per-session event lists behind the SSE
// pollers.
package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/memva/memva/internal/log"
)

const DefaultExpiration = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// InMemoryCacheManager wraps go-cache with typed keys and values.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

var _ CacheManager[string, int] = (*InMemoryCacheManager[string, int])(nil)

// NewInMemoryCacheManager initializes the in-memory cache. useCase
// labels the cache in logs so hit/miss lines are attributable.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// lookup fetches and type-checks one entry. Hit logging is left to the
// callers so batch reads produce one line, not one per key.
func (c *InMemoryCacheManager[K, V]) lookup(key K) (V, bool) {
	var zero V

	raw, found := c.cache.Get(string(key))
	if !found {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "use_case", c.useCase, "key", key)
		return zero, false
	}
	return v, true
}

// Get retrieves an item from the cache by its key.
func (c *InMemoryCacheManager[K, V]) Get(_ context.Context, key K) (V, bool) {
	v, ok := c.lookup(key)
	if ok {
		log.Debug(log.CatCache, "cache hit", "use_case", c.useCase, "key", key)
	}
	return v, ok
}

// GetMultiple reads a batch of keys in one pass. The bool reports
// whether anything was found; callers load the keys absent from the
// returned map themselves.
func (c *InMemoryCacheManager[K, V]) GetMultiple(_ context.Context, keys []K) (map[K]V, bool) {
	if len(keys) == 0 {
		return nil, false
	}

	hits := make(map[K]V, len(keys))
	for _, key := range keys {
		if v, ok := c.lookup(key); ok {
			hits[key] = v
		}
	}
	if len(hits) == 0 {
		return nil, false
	}
	if missing := len(keys) - len(hits); missing > 0 {
		log.Debug(log.CatCache, "partial cache miss", "use_case", c.useCase, "missing", missing)
	}
	return hits, true
}

// Set stores a value under key for ttl.
func (c *InMemoryCacheManager[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
}

// Delete removes values from the cache by key.
func (c *InMemoryCacheManager[K, V]) Delete(_ context.Context, keys ...K) error {
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
	return nil
}
