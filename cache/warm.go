package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// warmKeyBudget bounds how many previous-session L1 keys are copied on
	// session start.
	warmKeyBudget = 100

	// warmQueryBudget bounds how many known recent queries are lifted into
	// the new session's L1.
	warmQueryBudget = 20
)

// WarmSession seeds a new session's L1 from a previous session and a set of
// known recent queries. Warming is strictly best-effort: every failure is
// swallowed.
func (s *Service) WarmSession(ctx context.Context, project, sessionID, previousSessionID string, recentQueries []string) {
	if previousSessionID != "" {
		s.copySessionKeys(ctx, previousSessionID, sessionID)
	}

	if len(recentQueries) > warmQueryBudget {
		recentQueries = recentQueries[:warmQueryBudget]
	}
	for _, query := range recentQueries {
		// A multi-level read promotes the value into the new session's L1
		// as a side effect.
		if _, _, err := s.GetSessionEmbedding(ctx, sessionID, project, query); err != nil {
			slog.Debug("Cache warm lookup failed", "query", query, "error", err)
		}
	}
}

// copySessionKeys copies up to warmKeyBudget L1 values from the previous
// session into the new one with a fresh session TTL.
func (s *Service) copySessionKeys(ctx context.Context, fromSessionID, toSessionID string) {
	prefix := fmt.Sprintf("sess:%s:", fromSessionID)
	keys, err := s.ScanKeys(ctx, prefix+"*", warmKeyBudget)
	if err != nil {
		slog.Debug("Cache warm scan failed", "from", fromSessionID, "error", err)
		return
	}

	copied := 0
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if strings.HasPrefix(rest, "stats:") {
			continue
		}
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		ttl := TTLSessionEmbedding
		if strings.HasPrefix(rest, "search:") {
			ttl = TTLSessionSearch
		}
		if err := s.rdb.SetEx(ctx, sessionKey(toSessionID, rest), data, ttl).Err(); err != nil {
			continue
		}
		copied++
	}

	slog.Debug("Warmed session cache",
		"from", fromSessionID,
		"to", toSessionID,
		"keys", copied)
}
