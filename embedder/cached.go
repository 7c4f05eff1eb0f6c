package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quarry-ai/quarry/cache"
)

// Service layers the multi-level cache over a Provider. With a session scope
// in Options, reads go L1→L2→L3 and writes go through all three tiers;
// without one, the single-level fallback key is used.
type Service struct {
	provider Provider
	cache    *cache.Service
}

// NewService creates a cached embedding service.
func NewService(provider Provider, c *cache.Service) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cache service is required")
	}
	return &Service{provider: provider, cache: c}, nil
}

// Dimension is the fixed dense vector dimension.
func (s *Service) Dimension() int {
	return s.provider.Dimension()
}

// Embed returns the dense embedding for one text, consulting the cache first.
// Cache write failures are logged, never surfaced.
func (s *Service) Embed(ctx context.Context, text string, opts Options) ([]float32, error) {
	if vec, ok := s.cachedLookup(ctx, text, opts); ok {
		return vec, nil
	}

	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cacheStore(ctx, text, vec, opts)
	return vec, nil
}

// EmbedBatch embeds many texts, consulting the cache per text and calling
// the provider only for the uncached subset. A failed batch call degrades to
// per-text embedding so a single bad input cannot poison the whole batch.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := s.cachedLookup(ctx, text, opts); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	embeddings, err := s.provider.EmbedBatch(ctx, missing)
	if err != nil {
		slog.Warn("Batch embedding failed, falling back to per-text calls",
			"count", len(missing), "error", err)
		embeddings = make([][]float32, len(missing))
		for i, text := range missing {
			vec, embedErr := s.provider.Embed(ctx, text)
			if embedErr != nil {
				return nil, fmt.Errorf("failed to embed text %d of batch: %w", i, embedErr)
			}
			embeddings[i] = vec
		}
	}

	for i, vec := range embeddings {
		out[missingIdx[i]] = vec
		s.cacheStore(ctx, missing[i], vec, opts)
	}
	return out, nil
}

// EmbedFull returns the dense+sparse embedding for one text. The dense part
// is written through the cache; sparse vectors are not cached because only
// the hybrid query path consumes them.
func (s *Service) EmbedFull(ctx context.Context, text string, opts Options) (*Embedding, error) {
	emb, err := s.provider.EmbedFull(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cacheStore(ctx, text, emb.Dense, opts)
	return emb, nil
}

// EmbedBatchFull returns dense+sparse embeddings for multiple texts, with
// per-text fallback on batch failure.
func (s *Service) EmbedBatchFull(ctx context.Context, texts []string, opts Options) ([]*Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := s.provider.EmbedBatchFull(ctx, texts)
	if err != nil {
		slog.Warn("Batch full embedding failed, falling back to per-text calls",
			"count", len(texts), "error", err)
		out = make([]*Embedding, len(texts))
		for i, text := range texts {
			emb, embedErr := s.provider.EmbedFull(ctx, text)
			if embedErr != nil {
				return nil, fmt.Errorf("failed to embed text %d of batch: %w", i, embedErr)
			}
			out[i] = emb
		}
	}
	for i, emb := range out {
		s.cacheStore(ctx, texts[i], emb.Dense, opts)
	}
	return out, nil
}

func (s *Service) cachedLookup(ctx context.Context, text string, opts Options) ([]float32, bool) {
	if opts.multiLevel() {
		vec, level, err := s.cache.GetSessionEmbedding(ctx, opts.SessionID, opts.ProjectName, text)
		if err != nil {
			slog.Debug("Embedding cache lookup failed", "error", err)
			return nil, false
		}
		return vec, level != cache.LevelMiss
	}

	vec, hit, err := s.cache.GetEmbedding(ctx, text)
	if err != nil {
		slog.Debug("Embedding cache lookup failed", "error", err)
		return nil, false
	}
	return vec, hit
}

func (s *Service) cacheStore(ctx context.Context, text string, vec []float32, opts Options) {
	var err error
	if opts.multiLevel() {
		err = s.cache.SetSessionEmbedding(ctx, opts.SessionID, opts.ProjectName, text, vec)
	} else {
		err = s.cache.SetEmbedding(ctx, text, vec)
	}
	if err != nil {
		slog.Debug("Embedding cache store failed", "error", err)
	}
}
