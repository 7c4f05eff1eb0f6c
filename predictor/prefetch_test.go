package predictor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/vector"
)

func TestPrefetchWarmsSearchCache(t *testing.T) {
	loader, provider, cacheSvc := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, provider.Upsert(ctx, "proj_codebase", []vector.Point{
		{ID: "1", Vector: []float32{20, 1}, Payload: map[string]any{"file": "session/manager.go"}},
		{ID: "2", Vector: []float32{22, 1}, Payload: map[string]any{"file": "session/merge.go"}},
	}))

	loader.Prefetch(ctx, "proj", "s1", nil, []string{"session lifecycle", "session lifecycle reaping"}, nil, nil)

	// The shared-term prediction "session lifecycle" now has a pre-populated
	// session search.
	key := cache.SearchCacheKey("proj_codebase", "session lifecycle", "")
	results, level, err := cacheSvc.GetSearch(ctx, "s1", "proj", key)
	require.NoError(t, err)
	assert.Equal(t, cache.LevelSession, level)
	assert.NotEmpty(t, results)
}

func TestPrefetchRateLimitsPerSession(t *testing.T) {
	loader, provider, cacheSvc := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, provider.Upsert(ctx, "proj_codebase", []vector.Point{
		{ID: "1", Vector: []float32{20, 1}, Payload: map[string]any{"file": "a.go"}},
	}))

	queries := []string{"cache warming", "cache warming strategy"}
	loader.Prefetch(ctx, "proj", "s1", nil, queries, nil, nil)

	key := cache.SearchCacheKey("proj_codebase", "cache warming", "")
	_, err := cacheSvc.DeletePattern(ctx, "sess:s1:*")
	require.NoError(t, err)
	_, err = cacheSvc.DeletePattern(ctx, "proj:proj:*")
	require.NoError(t, err)

	// A second prefetch within the interval is dropped.
	loader.Prefetch(ctx, "proj", "s1", nil, queries, nil, nil)
	_, level, err := cacheSvc.GetSearch(ctx, "s1", "proj", key)
	require.NoError(t, err)
	assert.Equal(t, cache.LevelMiss, level)

	// A different session has its own limiter.
	loader.Prefetch(ctx, "proj", "s2", nil, queries, nil, nil)
	_, level, err = cacheSvc.GetSearch(ctx, "s2", "proj", key)
	require.NoError(t, err)
	assert.Equal(t, cache.LevelSession, level)
}

func TestForgetResetsLimiter(t *testing.T) {
	loader, provider, cacheSvc := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, provider.Upsert(ctx, "proj_codebase", []vector.Point{
		{ID: "1", Vector: []float32{20, 1}, Payload: map[string]any{"file": "a.go"}},
	}))

	queries := []string{"cache warming", "cache warming strategy"}
	loader.Prefetch(ctx, "proj", "s1", nil, queries, nil, nil)
	loader.Forget("s1")

	_, err := cacheSvc.DeletePattern(ctx, "sess:s1:*")
	require.NoError(t, err)
	_, err = cacheSvc.DeletePattern(ctx, "proj:proj:*")
	require.NoError(t, err)

	loader.Prefetch(ctx, "proj", "s1", nil, queries, nil, nil)

	key := cache.SearchCacheKey("proj_codebase", "cache warming", "")
	_, level, err := cacheSvc.GetSearch(ctx, "s1", "proj", key)
	require.NoError(t, err)
	assert.Equal(t, cache.LevelSession, level)
}

func TestPrefetchWithNoSignalsIsANoop(t *testing.T) {
	loader, _, cacheSvc := newTestLoader(t)
	ctx := context.Background()

	loader.Prefetch(ctx, "proj", "s1", nil, nil, nil, nil)

	keys, err := cacheSvc.ScanKeys(ctx, "sess:s1:*", 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
