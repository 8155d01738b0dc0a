package cachemanager

import (
	"context"
	"time"
)

// CacheManager is the store contract the read-through wrapper needs.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
}

// ReadThroughCache wraps a loader function with a cache. Misses call
// the loader and populate the cache; skipCache bypasses caching
// entirely, which tests use to exercise the loader directly.
type ReadThroughCache[K ~string, V any, I any] struct {
	cache     CacheManager[K, V]
	load      func(ctx context.Context, input I) (V, error)
	skipCache bool
}

func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	load func(ctx context.Context, input I) (V, error),
	skipCache bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{cache: cache, load: load, skipCache: skipCache}
}

// Get returns the cached value for key, loading and caching it on a
// miss. Loader errors are returned without touching the cache.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if !r.skipCache {
		if value, ok := r.cache.Get(ctx, key); ok {
			return value, nil
		}
	}

	value, err := r.load(ctx, input)
	if err != nil || r.skipCache {
		return value, err
	}
	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
