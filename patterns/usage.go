// Package patterns records tool-usage traces, maintains query-pattern
// success rates and extracts provenance-tagged facts from agent observation
// text.
package patterns

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/vector"
)

// maxInputSummary bounds the recorded input excerpt.
const maxInputSummary = 500

// ToolUsage is one tool-invocation trace. SessionID is a weak reference; a
// missing session is tolerated.
type ToolUsage struct {
	ID           string         `json:"id"`
	ProjectName  string         `json:"projectName"`
	SessionID    string         `json:"sessionId,omitempty"`
	ToolName     string         `json:"toolName"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMs   int64          `json:"durationMs"`
	InputSummary string         `json:"inputSummary,omitempty"`
	ResultCount  int            `json:"resultCount"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Hour         int            `json:"hour"`
	DayOfWeek    int            `json:"dayOfWeek"`
}

// Tracker persists tool-usage traces and aggregates them.
type Tracker struct {
	provider vector.Provider
	embedder *embedder.Service
}

// NewTracker creates a usage tracker.
func NewTracker(provider vector.Provider, emb *embedder.Service) (*Tracker, error) {
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Tracker{provider: provider, embedder: emb}, nil
}

// Record persists one trace, deriving hour and day-of-week from the
// timestamp and truncating the input summary.
func (t *Tracker) Record(ctx context.Context, usage ToolUsage) error {
	if usage.ToolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}
	if len(usage.InputSummary) > maxInputSummary {
		// Back off to a rune boundary so the cut never splits a multibyte
		// character.
		end := maxInputSummary
		for end > 0 && !utf8.RuneStart(usage.InputSummary[end]) {
			end--
		}
		usage.InputSummary = usage.InputSummary[:end]
	}
	usage.Hour = usage.Timestamp.Hour()
	usage.DayOfWeek = int(usage.Timestamp.Weekday())

	vec, err := t.embedder.Embed(ctx, usage.ToolName+" "+usage.InputSummary, embedder.Options{})
	if err != nil {
		return fmt.Errorf("failed to embed usage trace: %w", err)
	}

	payload := map[string]any{
		"project":     usage.ProjectName,
		"toolName":    usage.ToolName,
		"timestamp":   usage.Timestamp.Format(time.RFC3339),
		"durationMs":  usage.DurationMs,
		"resultCount": usage.ResultCount,
		"success":     usage.Success,
		"hour":        usage.Hour,
		"dayOfWeek":   usage.DayOfWeek,
	}
	if usage.SessionID != "" {
		payload["sessionId"] = usage.SessionID
	}
	if usage.InputSummary != "" {
		payload["inputSummary"] = usage.InputSummary
	}
	if usage.ErrorMessage != "" {
		payload["errorMessage"] = usage.ErrorMessage
	}
	if len(usage.Metadata) > 0 {
		payload["metadata"] = usage.Metadata
	}

	collection := vector.CollectionName(usage.ProjectName, vector.SuffixToolUsage)
	return t.provider.Upsert(ctx, collection, []vector.Point{{
		ID:      usage.ID,
		Vector:  vec,
		Payload: payload,
	}})
}

// UsageReport summarizes tool invocations for a project.
type UsageReport struct {
	ByTool map[string]int `json:"byTool"`
	ByHour map[string]int `json:"byHour"`
}

// Aggregate builds tool and hour histograms over the full trace collection.
func (t *Tracker) Aggregate(ctx context.Context, project string) (*UsageReport, error) {
	collection := vector.CollectionName(project, vector.SuffixToolUsage)

	byTool, err := vector.AggregateByField(ctx, t.provider, collection, "toolName")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tool usage: %w", err)
	}
	byHour, err := vector.AggregateByField(ctx, t.provider, collection, "hour")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage hours: %w", err)
	}
	return &UsageReport{ByTool: byTool, ByHour: byHour}, nil
}
