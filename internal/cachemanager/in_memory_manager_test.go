package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ExampleStruct struct {
	ID   int
	Name string
}

// snippetKey mirrors how callers key these caches: a named string type
// per use case, so keys for different caches cannot be mixed up.
type snippetKey string

func newSnippetCache() *InMemoryCacheManager[snippetKey, *ExampleStruct] {
	return NewInMemoryCacheManager[snippetKey, *ExampleStruct]("snippets", DefaultExpiration, DefaultCleanupInterval)
}

func TestInMemoryCacheManager_RoundTrip(t *testing.T) {
	cache := newSnippetCache()
	ctx := context.Background()
	want := &ExampleStruct{ID: 1, Name: "apple"}

	cache.Set(ctx, "snippet:sess-1", want, time.Minute)

	got, ok := cache.Get(ctx, "snippet:sess-1")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestInMemoryCacheManager_MissReturnsZeroValue(t *testing.T) {
	cache := newSnippetCache()

	got, ok := cache.Get(context.Background(), "snippet:unknown")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestInMemoryCacheManager_ExpiredEntryMisses(t *testing.T) {
	cache := newSnippetCache()
	ctx := context.Background()

	cache.Set(ctx, "snippet:sess-1", &ExampleStruct{ID: 1}, time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := cache.Get(ctx, "snippet:sess-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInMemoryCacheManager_WrongStoredTypeMisses(t *testing.T) {
	cache := newSnippetCache()

	// Bypass the typed API the way a stale deployment mixing value
	// shapes under one key would.
	cache.cache.Set("snippet:sess-1", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "snippet:sess-1")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestInMemoryCacheManager_GetMultiple(t *testing.T) {
	cache := newSnippetCache()
	ctx := context.Background()

	cache.Set(ctx, "snippet:a", &ExampleStruct{ID: 1}, time.Minute)
	cache.Set(ctx, "snippet:b", &ExampleStruct{ID: 2}, time.Minute)

	t.Run("partial hit returns found subset", func(t *testing.T) {
		got, ok := cache.GetMultiple(ctx, []snippetKey{"snippet:a", "snippet:b", "snippet:missing"})
		require.True(t, ok)
		assert.Len(t, got, 2)
		assert.Equal(t, 1, got["snippet:a"].ID)
		assert.Equal(t, 2, got["snippet:b"].ID)
	})

	t.Run("all missing reports nothing found", func(t *testing.T) {
		got, ok := cache.GetMultiple(ctx, []snippetKey{"snippet:x", "snippet:y"})
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("no keys is a no-op", func(t *testing.T) {
		got, ok := cache.GetMultiple(ctx, nil)
		assert.False(t, ok)
		assert.Nil(t, got)
	})
}

func TestInMemoryCacheManager_Delete(t *testing.T) {
	cache := newSnippetCache()
	ctx := context.Background()

	cache.Set(ctx, "snippet:a", &ExampleStruct{ID: 1}, time.Minute)
	cache.Set(ctx, "snippet:b", &ExampleStruct{ID: 2}, time.Minute)

	require.NoError(t, cache.Delete(ctx)) // no keys is a no-op
	require.NoError(t, cache.Delete(ctx, "snippet:a", "snippet:missing"))

	_, ok := cache.Get(ctx, "snippet:a")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "snippet:b")
	assert.True(t, ok, "unrelated keys survive a delete")
}
