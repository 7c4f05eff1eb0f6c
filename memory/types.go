// Package memory implements the two-tier agent memory: a durable store per
// project plus a quarantine for auto-extracted entries, with adaptive
// confidence gating and quality-checked promotion.
package memory

import (
	"fmt"
	"time"

	"github.com/quarry-ai/quarry/gates"
)

// Type classifies a memory.
type Type string

const (
	TypeDecision     Type = "decision"
	TypeInsight      Type = "insight"
	TypeContext      Type = "context"
	TypeTodo         Type = "todo"
	TypeConversation Type = "conversation"
	TypeNote         Type = "note"
)

// Source records how a memory entered the system. Anything other than
// SourceManual is gated by the adaptive threshold and quarantined.
type Source string

const (
	SourceManual           Source = "manual"
	SourceAutoConversation Source = "auto_conversation"
	SourceAutoPattern      Source = "auto_pattern"
	SourceAutoFeedback     Source = "auto_feedback"
)

// AutoSources enumerates the gated sources, used when counting promoted
// entries for the adaptive threshold.
var AutoSources = []Source{SourceAutoConversation, SourceAutoPattern, SourceAutoFeedback}

// IsAuto reports whether the source is quarantine-gated.
func (s Source) IsAuto() bool {
	return s != "" && s != SourceManual
}

// Todo statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

// StatusChange is one entry in a todo's append-only status history.
type StatusChange struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Memory is one stored entry, durable or quarantined.
type Memory struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Content       string         `json:"content"`
	Tags          []string       `json:"tags,omitempty"`
	RelatedTo     string         `json:"relatedTo,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status,omitempty"`
	StatusHistory []StatusChange `json:"statusHistory,omitempty"`
	Source        Source         `json:"source,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	Validated     bool           `json:"validated"`
}

// Skipped reports whether the entry was dropped by the adaptive threshold
// rather than written.
func (m *Memory) Skipped() bool {
	if m.Metadata == nil {
		return false
	}
	skipped, _ := m.Metadata["skipped"].(bool)
	return skipped
}

// NotFoundError indicates the referenced memory does not exist in the
// addressed collection.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory %s not found", e.ID)
}

// QualityGatesError indicates a promotion was blocked by failing gates.
// Carries the per-gate details for the caller.
type QualityGatesError struct {
	Result *gates.RunResult
}

func (e *QualityGatesError) Error() string {
	failed := 0
	for _, g := range e.Result.Gates {
		if !g.Passed {
			failed++
		}
	}
	return fmt.Sprintf("quality gates failed: %d of %d gates did not pass", failed, len(e.Result.Gates))
}
