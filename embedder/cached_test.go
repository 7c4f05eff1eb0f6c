package embedder

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/vector"
)

// stubProvider counts calls and returns deterministic vectors so tests can
// tell cache hits from provider hits.
type stubProvider struct {
	embedCalls int
	batchCalls int
	failBatch  bool
}

func (p *stubProvider) vectorFor(text string) []float32 {
	return []float32{float32(len(text)), 1}
}

func (p *stubProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.embedCalls++
	return p.vectorFor(text), nil
}

func (p *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.batchCalls++
	if p.failBatch {
		return nil, errors.New("batch endpoint unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.vectorFor(text)
	}
	return out, nil
}

func (p *stubProvider) EmbedFull(ctx context.Context, text string) (*Embedding, error) {
	dense, err := p.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return &Embedding{Dense: dense, Sparse: &vector.SparseVector{}}, nil
}

func (p *stubProvider) EmbedBatchFull(ctx context.Context, texts []string) ([]*Embedding, error) {
	dense, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]*Embedding, len(dense))
	for i, d := range dense {
		out[i] = &Embedding{Dense: d, Sparse: &vector.SparseVector{}}
	}
	return out, nil
}

func (p *stubProvider) Dimension() int { return 2 }

func newTestService(t *testing.T) (*Service, *stubProvider) {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheSvc := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cacheSvc.Close() })

	provider := &stubProvider{}
	svc, err := NewService(provider, cacheSvc)
	require.NoError(t, err)
	return svc, provider
}

func TestEmbedServesRepeatFromCache(t *testing.T) {
	svc, provider := newTestService(t)
	ctx := context.Background()

	first, err := svc.Embed(ctx, "hello", Options{})
	require.NoError(t, err)

	second, err := svc.Embed(ctx, "hello", Options{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.embedCalls)
}

func TestEmbedMultiLevelWritesSessionTier(t *testing.T) {
	svc, provider := newTestService(t)
	ctx := context.Background()
	opts := Options{SessionID: "s1", ProjectName: "proj"}

	_, err := svc.Embed(ctx, "query", opts)
	require.NoError(t, err)
	require.Equal(t, 1, provider.embedCalls)

	// A second session gets the value from the project tier, not the
	// provider.
	_, err = svc.Embed(ctx, "query", Options{SessionID: "s2", ProjectName: "proj"})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.embedCalls)
}

func TestEmbedBatchSkipsCachedTexts(t *testing.T) {
	svc, provider := newTestService(t)
	ctx := context.Background()

	_, err := svc.Embed(ctx, "cached", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, provider.embedCalls)

	out, err := svc.EmbedBatch(ctx, []string{"cached", "fresh"}, Options{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, provider.vectorFor("cached"), out[0])
	assert.Equal(t, provider.vectorFor("fresh"), out[1])
	assert.Equal(t, 1, provider.batchCalls)
	assert.Equal(t, 1, provider.embedCalls)
}

func TestEmbedBatchAllCachedAvoidsProvider(t *testing.T) {
	svc, provider := newTestService(t)
	ctx := context.Background()

	_, err := svc.EmbedBatch(ctx, []string{"a", "bb"}, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, provider.batchCalls)

	_, err = svc.EmbedBatch(ctx, []string{"a", "bb"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.batchCalls)
}

func TestEmbedBatchFallsBackPerText(t *testing.T) {
	svc, provider := newTestService(t)
	provider.failBatch = true
	ctx := context.Background()

	out, err := svc.EmbedBatch(ctx, []string{"one", "two"}, Options{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, provider.vectorFor("one"), out[0])
	assert.Equal(t, provider.vectorFor("two"), out[1])
	assert.Equal(t, 2, provider.embedCalls)
}

func TestEmbedBatchEmpty(t *testing.T) {
	svc, provider := newTestService(t)

	out, err := svc.EmbedBatch(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Zero(t, provider.batchCalls)
}
