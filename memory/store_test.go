package memory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/vector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheSvc := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cacheSvc.Close() })

	embSvc, err := embedder.NewService(stubEmbedder{}, cacheSvc)
	require.NoError(t, err)

	store, err := NewStore(vector.NewMemStore(), embSvc)
	require.NoError(t, err)
	return store
}

func TestRememberAssignsIdentityAndDefaults(t *testing.T) {
	store := newTestStore(t)

	m, err := store.Remember(context.Background(), "proj", Memory{
		Content: "prefer context timeouts over client timeouts",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, TypeNote, m.Type)
	assert.Equal(t, SourceManual, m.Source)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestRememberRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Remember(context.Background(), "proj", Memory{Type: TypeNote})
	assert.Error(t, err)
}

func TestRememberStartsTodoHistory(t *testing.T) {
	store := newTestStore(t)

	m, err := store.Remember(context.Background(), "proj", Memory{
		Type:    TypeTodo,
		Content: "migrate the session payloads to the new shape",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	require.Len(t, m.StatusHistory, 1)
	assert.Equal(t, StatusPending, m.StatusHistory[0].Status)
}

func TestRecallFiltersByType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Remember(ctx, "proj", Memory{Type: TypeDecision, Content: "we will use RRF for fusion"})
	require.NoError(t, err)
	_, err = store.Remember(ctx, "proj", Memory{Type: TypeInsight, Content: "fusion quality depends on list depth"})
	require.NoError(t, err)

	recalled, err := store.Recall(ctx, "proj", "fusion", RecallOptions{Type: TypeDecision})
	require.NoError(t, err)
	require.Len(t, recalled, 1)
	assert.Equal(t, TypeDecision, recalled[0].Memory.Type)
}

func TestRecallRequiresAllTags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Remember(ctx, "proj", Memory{
		Content: "redis scan patterns are linear", Tags: []string{"redis", "performance"},
	})
	require.NoError(t, err)
	_, err = store.Remember(ctx, "proj", Memory{
		Content: "redis pipelines batch round trips", Tags: []string{"redis"},
	})
	require.NoError(t, err)
	_, err = store.Remember(ctx, "proj", Memory{
		Content: "profile before optimizing", Tags: []string{"performance"},
	})
	require.NoError(t, err)

	recalled, err := store.Recall(ctx, "proj", "redis", RecallOptions{
		Tags: []string{"redis", "performance"},
	})
	require.NoError(t, err)
	require.Len(t, recalled, 1)
	assert.Contains(t, recalled[0].Memory.Content, "scan patterns")
}

func TestRecallRequiresQuery(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Recall(context.Background(), "proj", "", RecallOptions{})
	assert.Error(t, err)
}

func TestMemoryPayloadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original, err := store.Remember(ctx, "proj", Memory{
		Type:       TypeDecision,
		Content:    "alias swaps make reindex invisible to readers",
		Tags:       []string{"index", "ops"},
		Confidence: 0.85,
		Metadata:   map[string]any{"origin": "review"},
	})
	require.NoError(t, err)

	rebuilt := FromPayload(original.ID, Payload(original, "proj"))
	assert.Equal(t, original.ID, rebuilt.ID)
	assert.Equal(t, original.Type, rebuilt.Type)
	assert.Equal(t, original.Content, rebuilt.Content)
	assert.Equal(t, original.Tags, rebuilt.Tags)
	assert.Equal(t, original.Confidence, rebuilt.Confidence)
	assert.Equal(t, "review", rebuilt.Metadata["origin"])
}
