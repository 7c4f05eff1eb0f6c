package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/observability"
	"github.com/quarry-ai/quarry/vector"
)

const (
	// prefetchInterval is the minimum gap between prefetch runs per session.
	prefetchInterval = 30 * time.Second

	// prefetchParallelism bounds concurrent per-prediction work.
	prefetchParallelism = 5

	// prefetchSearchLimit is the size of the pre-populated search.
	prefetchSearchLimit = 5
)

// Loader predicts probable next resources and warms the embedding and search
// caches with them.
type Loader struct {
	provider vector.Provider
	cache    *cache.Service
	embedder *embedder.Service

	// Per-session rate limiters are a per-process approximation; in a
	// clustered deployment each node rate-limits independently.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLoader creates a predictive loader.
func NewLoader(provider vector.Provider, c *cache.Service, emb *embedder.Service) (*Loader, error) {
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Loader{
		provider: provider,
		cache:    c,
		embedder: emb,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// allow reports whether this session may prefetch now.
func (l *Loader) allow(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(prefetchInterval), 1)
		l.limiters[sessionID] = limiter
	}
	return limiter.Allow()
}

// Forget drops the session's rate limiter, called when a session ends.
func (l *Loader) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sessionID)
}

// Prefetch predicts from the session state and warms the caches: each
// prediction's resource is embedded into the session cache and one top-5
// codebase search is pre-populated. Per-prediction failures are swallowed
// and counted.
func (l *Loader) Prefetch(ctx context.Context, project, sessionID string, files, queries, tools, features []string) {
	if !l.allow(sessionID) {
		return
	}

	predictions := l.Predict(ctx, State{
		Project:  project,
		Files:    files,
		Queries:  queries,
		Tools:    tools,
		Features: features,
	})
	if len(predictions) == 0 {
		return
	}

	collection := vector.CollectionName(project, vector.SuffixCodebase)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(prefetchParallelism)

	for _, p := range predictions {
		observability.PrefetchPredictions.WithLabelValues(p.Strategy).Inc()
		group.Go(func() error {
			if err := l.warm(ctx, collection, project, sessionID, p.Resource); err != nil {
				observability.PrefetchFailures.Inc()
				slog.Debug("Prefetch failed", "sessionId", sessionID, "resource", p.Resource, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// warm embeds the resource through the multi-level cache and pre-populates
// its top-5 codebase search in the session search cache.
func (l *Loader) warm(ctx context.Context, collection, project, sessionID, resource string) error {
	vec, err := l.embedder.Embed(ctx, resource, embedder.Options{
		SessionID:   sessionID,
		ProjectName: project,
	})
	if err != nil {
		return err
	}

	results, err := l.provider.Search(ctx, collection, vec, prefetchSearchLimit, vector.SearchOptions{})
	if err != nil {
		return err
	}

	key := cache.SearchCacheKey(collection, resource, "")
	return l.cache.SetSearch(ctx, sessionID, project, key, results)
}
