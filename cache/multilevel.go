package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quarry-ai/quarry/observability"
	"github.com/quarry-ai/quarry/vector"
)

// Stat metric names, kept per session under stats:<sessionId>:<metric> with
// a 24 h TTL.
const (
	StatL1Hits       = "l1_hits"
	StatL2Hits       = "l2_hits"
	StatL3Hits       = "l3_hits"
	StatMisses       = "misses"
	StatSearchL1Hits = "search_l1_hits"
	StatSearchL2Hits = "search_l2_hits"
	StatSearchMisses = "search_misses"
)

// Stats is a snapshot of a session's hit-rate counters.
type Stats struct {
	L1Hits       int64 `json:"l1_hits"`
	L2Hits       int64 `json:"l2_hits"`
	L3Hits       int64 `json:"l3_hits"`
	Misses       int64 `json:"misses"`
	SearchL1Hits int64 `json:"search_l1_hits"`
	SearchL2Hits int64 `json:"search_l2_hits"`
	SearchMisses int64 `json:"search_misses"`
}

func statKey(sessionID, metric string) string {
	return fmt.Sprintf("stats:%s:%s", sessionID, metric)
}

// IncrStat atomically increments a session counter. Failures are swallowed:
// hit-rate accounting is best-effort.
func (s *Service) IncrStat(ctx context.Context, sessionID, metric string) {
	key := statKey(sessionID, metric)
	if err := s.rdb.Incr(ctx, key).Err(); err != nil {
		slog.Debug("Failed to increment cache stat", "key", key, "error", err)
		return
	}
	_ = s.rdb.Expire(ctx, key, TTLStats).Err()
}

// SessionStats reads the session's hit-rate counters.
func (s *Service) SessionStats(ctx context.Context, sessionID string) (*Stats, error) {
	read := func(metric string) int64 {
		v, err := s.rdb.Get(ctx, statKey(sessionID, metric)).Int64()
		if err != nil {
			return 0
		}
		return v
	}
	return &Stats{
		L1Hits:       read(StatL1Hits),
		L2Hits:       read(StatL2Hits),
		L3Hits:       read(StatL3Hits),
		Misses:       read(StatMisses),
		SearchL1Hits: read(StatSearchL1Hits),
		SearchL2Hits: read(StatSearchL2Hits),
		SearchMisses: read(StatSearchMisses),
	}, nil
}

func embKey(text string) string {
	return fmt.Sprintf("emb:%s", HashText(text))
}

// GetSessionEmbedding reads an embedding through the three tiers, promoting
// the value into faster tiers on hit. Returns nil with LevelMiss on miss.
func (s *Service) GetSessionEmbedding(ctx context.Context, sessionID, project, text string) ([]float32, Level, error) {
	rest := embKey(text)

	var vec []float32
	hit, err := s.GetJSON(ctx, sessionKey(sessionID, rest), &vec)
	if err != nil {
		return nil, LevelMiss, err
	}
	if hit {
		s.IncrStat(ctx, sessionID, StatL1Hits)
		observability.CacheHits.WithLabelValues(string(LevelSession)).Inc()
		return vec, LevelSession, nil
	}

	hit, err = s.GetJSON(ctx, projectKey(project, rest), &vec)
	if err != nil {
		return nil, LevelMiss, err
	}
	if hit {
		// Promote into L1 for the rest of the session.
		if err := s.SetJSON(ctx, sessionKey(sessionID, rest), vec, TTLSessionEmbedding); err != nil {
			slog.Debug("Failed to promote embedding to L1", "error", err)
		}
		s.IncrStat(ctx, sessionID, StatL2Hits)
		observability.CacheHits.WithLabelValues(string(LevelProject)).Inc()
		return vec, LevelProject, nil
	}

	hit, err = s.GetJSON(ctx, globalKey(rest), &vec)
	if err != nil {
		return nil, LevelMiss, err
	}
	if hit {
		if err := s.SetJSON(ctx, sessionKey(sessionID, rest), vec, TTLSessionEmbedding); err != nil {
			slog.Debug("Failed to promote embedding to L1", "error", err)
		}
		if err := s.SetJSON(ctx, projectKey(project, rest), vec, TTLProjectEmbedding); err != nil {
			slog.Debug("Failed to promote embedding to L2", "error", err)
		}
		s.IncrStat(ctx, sessionID, StatL3Hits)
		observability.CacheHits.WithLabelValues(string(LevelGlobal)).Inc()
		return vec, LevelGlobal, nil
	}

	s.IncrStat(ctx, sessionID, StatMisses)
	observability.CacheMisses.Inc()
	return nil, LevelMiss, nil
}

// SetSessionEmbedding writes the embedding to all three tiers with their
// respective TTLs. Last write wins within a TTL window.
func (s *Service) SetSessionEmbedding(ctx context.Context, sessionID, project, text string, vec []float32) error {
	rest := embKey(text)
	pipe := s.rdb.Pipeline()
	data, err := marshalJSON(vec)
	if err != nil {
		return err
	}
	pipe.SetEx(ctx, sessionKey(sessionID, rest), data, TTLSessionEmbedding)
	pipe.SetEx(ctx, projectKey(project, rest), data, TTLProjectEmbedding)
	pipe.SetEx(ctx, globalKey(rest), data, TTLGlobalEmbedding)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write embedding through tiers: %w", err)
	}
	return nil
}

// GetEmbedding is the single-level fallback used when no session context is
// available.
func (s *Service) GetEmbedding(ctx context.Context, text string) ([]float32, bool, error) {
	var vec []float32
	hit, err := s.GetJSON(ctx, embKey(text), &vec)
	return vec, hit, err
}

// SetEmbedding writes the single-level fallback entry (1 h TTL).
func (s *Service) SetEmbedding(ctx context.Context, text string, vec []float32) error {
	return s.SetJSON(ctx, embKey(text), vec, TTLFallbackEmbed)
}

// SearchCacheKey builds the value-space key for a cached search:
// search:<collection>:<md5(query+filter)>.
func SearchCacheKey(collection, query, filter string) string {
	return fmt.Sprintf("search:%s:%s", collection, HashText(query+filter))
}

// GetSearch reads cached search results through L1 then L2. L3 is not used
// for search: collection-scoped result sets are rarely hot across projects.
func (s *Service) GetSearch(ctx context.Context, sessionID, project, key string) ([]vector.Result, Level, error) {
	var results []vector.Result
	hit, err := s.GetJSON(ctx, sessionKey(sessionID, key), &results)
	if err != nil {
		return nil, LevelMiss, err
	}
	if hit {
		s.IncrStat(ctx, sessionID, StatSearchL1Hits)
		observability.SearchCacheHits.WithLabelValues(string(LevelSession)).Inc()
		return results, LevelSession, nil
	}

	hit, err = s.GetJSON(ctx, projectKey(project, key), &results)
	if err != nil {
		return nil, LevelMiss, err
	}
	if hit {
		if err := s.SetJSON(ctx, sessionKey(sessionID, key), results, TTLSessionSearch); err != nil {
			slog.Debug("Failed to promote search results to L1", "error", err)
		}
		s.IncrStat(ctx, sessionID, StatSearchL2Hits)
		observability.SearchCacheHits.WithLabelValues(string(LevelProject)).Inc()
		return results, LevelProject, nil
	}

	s.IncrStat(ctx, sessionID, StatSearchMisses)
	return nil, LevelMiss, nil
}

// SetSearch writes search results to L1 and L2.
func (s *Service) SetSearch(ctx context.Context, sessionID, project, key string, results []vector.Result) error {
	data, err := marshalJSON(results)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.SetEx(ctx, sessionKey(sessionID, key), data, TTLSessionSearch)
	pipe.SetEx(ctx, projectKey(project, key), data, TTLProjectSearch)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write search results: %w", err)
	}
	return nil
}

// InvalidateSearch drops all cached searches for a collection across every
// namespace, used after (re)indexing.
func (s *Service) InvalidateSearch(ctx context.Context, collection string) error {
	patterns := []string{
		fmt.Sprintf("sess:*:search:%s:*", collection),
		fmt.Sprintf("proj:*:search:%s:*", collection),
	}
	for _, pattern := range patterns {
		if _, err := s.DeletePattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}
