package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quarry-ai/quarry/vector"
)

// Adaptive threshold parameters. The threshold falls as the project's
// historical promotion rate rises: a project whose auto-memories keep getting
// promoted earns a lower bar for new ones.
const (
	thresholdColdStart = 0.5
	thresholdFloor     = 0.4
	thresholdCeiling   = 0.8
	thresholdMinSample = 5
	thresholdTTL       = 60 * time.Second
)

// ComputeThreshold derives the confidence threshold from promoted vs pending
// counts. promoted counts durable auto-source entries; pending counts the
// quarantine.
func ComputeThreshold(promoted, pending uint64) float64 {
	total := promoted + pending
	if total < thresholdMinSample {
		return thresholdColdStart
	}
	successRate := float64(promoted) / float64(total)
	t := thresholdCeiling - 0.4*successRate
	if t < thresholdFloor {
		return thresholdFloor
	}
	if t > thresholdCeiling {
		return thresholdCeiling
	}
	return t
}

type thresholdEntry struct {
	value     float64
	expiresAt time.Time
}

// thresholdCache is a per-process approximation: in a clustered deployment
// each node computes its own, which is tolerable because entries live 60s
// and the counts drift slowly.
type thresholdCache struct {
	mu      sync.Mutex
	entries map[string]thresholdEntry
}

func newThresholdCache() *thresholdCache {
	return &thresholdCache{entries: make(map[string]thresholdEntry)}
}

func (tc *thresholdCache) get(project string) (float64, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	entry, ok := tc.entries[project]
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.value, true
}

func (tc *thresholdCache) set(project string, value float64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[project] = thresholdEntry{value: value, expiresAt: time.Now().Add(thresholdTTL)}
}

func (tc *thresholdCache) invalidate(project string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.entries, project)
}

// Threshold returns the project's adaptive confidence threshold, cached for
// 60 seconds and invalidated on promote and reject.
func (g *Governance) Threshold(ctx context.Context, project string) float64 {
	if value, ok := g.thresholds.get(project); ok {
		return value
	}

	durable := vector.CollectionName(project, vector.SuffixAgentMemory)
	quarantine := vector.CollectionName(project, vector.SuffixMemoryPending)

	var promoted uint64
	for _, source := range AutoSources {
		n, err := g.provider.Count(ctx, durable, vector.Filter{"source": string(source)})
		if err != nil {
			slog.Warn("Failed to count promoted memories, using cold-start threshold",
				"project", project, "source", source, "error", err)
			return thresholdColdStart
		}
		promoted += n
	}
	pending, err := g.provider.Count(ctx, quarantine, nil)
	if err != nil {
		slog.Warn("Failed to count quarantine, using cold-start threshold",
			"project", project, "error", err)
		return thresholdColdStart
	}

	value := ComputeThreshold(promoted, pending)
	g.thresholds.set(project, value)
	return value
}
