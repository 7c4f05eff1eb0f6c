package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/gates"
	"github.com/quarry-ai/quarry/observability"
	"github.com/quarry-ai/quarry/vector"
)

// quarantineScanPage bounds one scroll page when locating entries by id.
const quarantineScanPage = 100

// Governance routes memory writes between the durable store and the
// quarantine, gates auto-sourced entries by the adaptive threshold, and
// handles promotion and rejection.
type Governance struct {
	store      *Store
	provider   vector.Provider
	embedder   *embedder.Service
	gates      gates.Runner
	thresholds *thresholdCache
}

// NewGovernance creates the governance layer. The gate runner is optional;
// without it promotions with runGates are refused.
func NewGovernance(store *Store, provider vector.Provider, emb *embedder.Service, runner gates.Runner) (*Governance, error) {
	if store == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Governance{
		store:      store,
		provider:   provider,
		embedder:   emb,
		gates:      runner,
		thresholds: newThresholdCache(),
	}, nil
}

// Store exposes the durable store for direct recall.
func (g *Governance) Store() *Store {
	return g.store
}

// IngestRequest is one memory write.
type IngestRequest struct {
	Project    string         `json:"project"`
	Content    string         `json:"content"`
	Type       Type           `json:"type"`
	Tags       []string       `json:"tags,omitempty"`
	RelatedTo  string         `json:"relatedTo,omitempty"`
	Source     Source         `json:"source,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Ingest routes a write: manual sources go straight to durable, auto sources
// are threshold-gated into quarantine. Auto-source failures never propagate;
// the caller gets a synthetic record so agent flows are not broken by
// memory-layer issues. Manual failures propagate.
func (g *Governance) Ingest(ctx context.Context, req IngestRequest) (*Memory, error) {
	if !req.Source.IsAuto() {
		m, err := g.store.Remember(ctx, req.Project, Memory{
			Type:      req.Type,
			Content:   req.Content,
			Tags:      req.Tags,
			RelatedTo: req.RelatedTo,
			Source:    SourceManual,
			Metadata:  req.Metadata,
			Validated: true,
		})
		if err != nil {
			return nil, err
		}
		observability.IngestTotal.WithLabelValues("durable").Inc()
		return m, nil
	}

	threshold := g.Threshold(ctx, req.Project)
	if req.Confidence < threshold {
		observability.IngestTotal.WithLabelValues("skipped").Inc()
		return &Memory{
			Type:       req.Type,
			Content:    req.Content,
			Source:     req.Source,
			Confidence: req.Confidence,
			Metadata: map[string]any{
				"skipped": true,
				"reason":  "below_threshold",
			},
		}, nil
	}

	m, err := g.quarantine(ctx, req)
	if err != nil {
		slog.Error("Auto-source ingest failed, returning synthetic record",
			"project", req.Project, "source", req.Source, "error", err)
		observability.IngestTotal.WithLabelValues("failed").Inc()
		return &Memory{
			Type:       req.Type,
			Content:    req.Content,
			Source:     req.Source,
			Confidence: req.Confidence,
			Metadata: map[string]any{
				"skipped": true,
				"reason":  "ingest_failed",
			},
		}, nil
	}
	observability.IngestTotal.WithLabelValues("quarantine").Inc()
	return m, nil
}

// quarantine embeds and writes one auto-sourced entry to memory_pending.
func (g *Governance) quarantine(ctx context.Context, req IngestRequest) (*Memory, error) {
	now := time.Now().UTC()
	m := Memory{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Content:    req.Content,
		Tags:       req.Tags,
		RelatedTo:  req.RelatedTo,
		CreatedAt:  now,
		UpdatedAt:  now,
		Source:     req.Source,
		Confidence: req.Confidence,
		Metadata:   req.Metadata,
		Validated:  false,
	}
	if m.Type == "" {
		m.Type = TypeNote
	}

	vec, err := g.embedder.Embed(ctx, m.Content, embedder.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to embed quarantine content: %w", err)
	}

	collection := vector.CollectionName(req.Project, vector.SuffixMemoryPending)
	point := vector.Point{
		ID:      m.ID,
		Vector:  vec,
		Payload: memoryPayload(&m, req.Project),
	}
	if err := g.provider.Upsert(ctx, collection, []vector.Point{point}); err != nil {
		return nil, fmt.Errorf("failed to write quarantine entry: %w", err)
	}
	return &m, nil
}

// PromoteRequest moves one quarantine entry into the durable store.
type PromoteRequest struct {
	Project  string `json:"project"`
	ID       string `json:"id"`
	Reason   string `json:"reason"`
	Evidence string `json:"evidence,omitempty"`

	// RunGates invokes the quality-gate collaborator before promotion.
	RunGates      bool     `json:"runGates,omitempty"`
	ProjectPath   string   `json:"projectPath,omitempty"`
	AffectedFiles []string `json:"affectedFiles,omitempty"`
	SkipGates     []string `json:"skipGates,omitempty"`
}

// Promote validates and moves a quarantine entry into the durable store with
// a fresh identity. Retrying after the quarantine delete has completed
// returns NotFoundError; the durable write is the final step, so a gate
// failure modifies neither side.
func (g *Governance) Promote(ctx context.Context, req PromoteRequest) (*Memory, error) {
	entry, err := g.findQuarantined(ctx, req.Project, req.ID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &NotFoundError{ID: req.ID}
	}

	if req.RunGates {
		if g.gates == nil {
			return nil, fmt.Errorf("quality gates requested but no gate runner is configured")
		}
		result, err := g.gates.Run(ctx, gates.RunRequest{
			ProjectPath:   req.ProjectPath,
			AffectedFiles: req.AffectedFiles,
			SkipGates:     req.SkipGates,
		})
		if err != nil {
			return nil, fmt.Errorf("quality gate run failed: %w", err)
		}
		if !result.Passed {
			return nil, &QualityGatesError{Result: result}
		}
	}

	quarantine := vector.CollectionName(req.Project, vector.SuffixMemoryPending)
	if err := g.provider.Delete(ctx, quarantine, []string{req.ID}); err != nil {
		return nil, fmt.Errorf("failed to remove quarantine entry: %w", err)
	}

	metadata := map[string]any{
		"validated":     true,
		"promoteReason": req.Reason,
		"promotedFrom":  req.ID,
	}
	if req.Evidence != "" {
		metadata["evidence"] = req.Evidence
	}
	for k, v := range entry.Metadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}

	promoted, err := g.store.Remember(ctx, req.Project, Memory{
		Type:       entry.Type,
		Content:    entry.Content,
		Tags:       entry.Tags,
		RelatedTo:  entry.RelatedTo,
		Source:     entry.Source,
		Confidence: entry.Confidence,
		Metadata:   metadata,
		Validated:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write promoted memory: %w", err)
	}

	g.thresholds.invalidate(req.Project)
	observability.PromotionsTotal.WithLabelValues("promoted").Inc()
	slog.Info("Promoted memory",
		"project", req.Project, "from", req.ID, "to", promoted.ID, "reason", req.Reason)
	return promoted, nil
}

// Reject drops a quarantine entry. All failures, including a missing entry,
// collapse to false.
func (g *Governance) Reject(ctx context.Context, project, id string) bool {
	entry, err := g.findQuarantined(ctx, project, id)
	if err != nil || entry == nil {
		return false
	}

	quarantine := vector.CollectionName(project, vector.SuffixMemoryPending)
	if err := g.provider.Delete(ctx, quarantine, []string{id}); err != nil {
		slog.Warn("Failed to reject quarantine entry", "project", project, "id", id, "error", err)
		return false
	}
	g.thresholds.invalidate(project)
	return true
}

// ListQuarantine returns pending entries, newest first by insertion order not
// guaranteed; callers sort if they care.
func (g *Governance) ListQuarantine(ctx context.Context, project string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	collection := vector.CollectionName(project, vector.SuffixMemoryPending)

	var entries []Memory
	offset := ""
	for len(entries) < limit {
		page, err := g.provider.Scroll(ctx, collection, nil, quarantineScanPage, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to scroll quarantine: %w", err)
		}
		for _, p := range page.Points {
			entries = append(entries, *memoryFromPayload(p.ID, p.Payload))
			if len(entries) == limit {
				break
			}
		}
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}
	return entries, nil
}

// findQuarantined scrolls the quarantine for an entry by id. Returns nil
// without error when absent.
func (g *Governance) findQuarantined(ctx context.Context, project, id string) (*Memory, error) {
	collection := vector.CollectionName(project, vector.SuffixMemoryPending)
	offset := ""
	for {
		page, err := g.provider.Scroll(ctx, collection, nil, quarantineScanPage, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to scroll quarantine: %w", err)
		}
		for _, p := range page.Points {
			if p.ID == id {
				return memoryFromPayload(p.ID, p.Payload), nil
			}
		}
		if page.NextOffset == "" {
			return nil, nil
		}
		offset = page.NextOffset
	}
}
