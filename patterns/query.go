package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/vector"
)

// QueryPattern tracks how well a rewrite pattern performs. SuccessRate is
// the running mean over UsageCount wasHelpful events.
type QueryPattern struct {
	ID          string  `json:"id"`
	Pattern     string  `json:"pattern"`
	Improvement string  `json:"improvement"`
	SuccessRate float64 `json:"successRate"`
	UsageCount  int     `json:"usageCount"`
}

// RecordQueryFeedback folds one wasHelpful observation into the pattern's
// running success rate, creating the pattern on first sight.
func (t *Tracker) RecordQueryFeedback(ctx context.Context, project, pattern, improvement string, wasHelpful bool) (*QueryPattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	collection := vector.CollectionName(project, vector.SuffixQueryPatterns)

	existing, err := t.findPattern(ctx, collection, pattern)
	if err != nil {
		return nil, err
	}

	observation := 0.0
	if wasHelpful {
		observation = 1.0
	}

	qp := existing
	if qp == nil {
		qp = &QueryPattern{ID: uuid.NewString(), Pattern: pattern}
	}
	if improvement != "" {
		qp.Improvement = improvement
	}
	qp.UsageCount++
	// Incremental mean: exact over all observations regardless of order.
	qp.SuccessRate += (observation - qp.SuccessRate) / float64(qp.UsageCount)

	vec, err := t.embedder.Embed(ctx, qp.Pattern, embedder.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query pattern: %w", err)
	}

	err = t.provider.Upsert(ctx, collection, []vector.Point{{
		ID:     qp.ID,
		Vector: vec,
		Payload: map[string]any{
			"pattern":     qp.Pattern,
			"improvement": qp.Improvement,
			"successRate": qp.SuccessRate,
			"usageCount":  qp.UsageCount,
			"project":     project,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to store query pattern: %w", err)
	}
	return qp, nil
}

// findPattern locates a pattern by exact match.
func (t *Tracker) findPattern(ctx context.Context, collection, pattern string) (*QueryPattern, error) {
	page, err := t.provider.Scroll(ctx, collection, vector.Filter{"pattern": pattern}, 1, "")
	if err != nil {
		return nil, fmt.Errorf("failed to look up query pattern: %w", err)
	}
	if len(page.Points) == 0 {
		return nil, nil
	}

	p := page.Points[0]
	qp := &QueryPattern{ID: p.ID}
	if v, ok := p.Payload["pattern"].(string); ok {
		qp.Pattern = v
	}
	if v, ok := p.Payload["improvement"].(string); ok {
		qp.Improvement = v
	}
	if v, ok := p.Payload["successRate"].(float64); ok {
		qp.SuccessRate = v
	}
	switch v := p.Payload["usageCount"].(type) {
	case int:
		qp.UsageCount = v
	case int64:
		qp.UsageCount = int(v)
	case float64:
		qp.UsageCount = int(v)
	}
	return qp, nil
}
