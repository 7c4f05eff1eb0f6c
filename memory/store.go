package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/vector"
)

// Store reads and writes the durable memory collection of a project.
type Store struct {
	provider vector.Provider
	embedder *embedder.Service
}

// NewStore creates a durable memory store.
func NewStore(provider vector.Provider, emb *embedder.Service) (*Store, error) {
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Store{provider: provider, embedder: emb}, nil
}

// Remember embeds and persists one memory into the durable collection,
// assigning identity and timestamps when absent. Todos start their
// append-only status history at pending.
func (s *Store) Remember(ctx context.Context, project string, m Memory) (*Memory, error) {
	if m.Content == "" {
		return nil, fmt.Errorf("memory content is required")
	}
	if m.Type == "" {
		m.Type = TypeNote
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Source == "" {
		m.Source = SourceManual
	}
	if m.Type == TypeTodo && m.Status == "" {
		m.Status = StatusPending
		m.StatusHistory = []StatusChange{{Status: StatusPending, Timestamp: now}}
	}

	vec, err := s.embedder.Embed(ctx, m.Content, embedder.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to embed memory content: %w", err)
	}

	collection := vector.CollectionName(project, vector.SuffixAgentMemory)
	point := vector.Point{
		ID:      m.ID,
		Vector:  vec,
		Payload: memoryPayload(&m, project),
	}
	if err := s.provider.Upsert(ctx, collection, []vector.Point{point}); err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}
	return &m, nil
}

// RecallOptions tunes a durable recall.
type RecallOptions struct {
	// Type restricts results to one memory type.
	Type Type

	// Tags restricts results to memories carrying all of these tags.
	Tags []string

	// Limit caps the result count (default: 10).
	Limit int

	// MinScore drops weakly similar results when positive.
	MinScore float32
}

// Recalled is one scored durable memory.
type Recalled struct {
	Memory Memory  `json:"memory"`
	Score  float32 `json:"score"`
}

// Recall searches the durable collection by semantic similarity. Type is
// filtered engine-side; tag conjunction is applied to the result set because
// the engine filter matches any-of on list fields.
func (s *Store) Recall(ctx context.Context, project, query string, opts RecallOptions) ([]Recalled, error) {
	if query == "" {
		return nil, fmt.Errorf("recall query is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	vec, err := s.embedder.Embed(ctx, query, embedder.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}

	var filter vector.Filter
	if opts.Type != "" {
		filter = vector.Filter{"type": string(opts.Type)}
	}

	// Over-fetch when a tag conjunction will thin the results.
	fetchLimit := limit
	if len(opts.Tags) > 0 {
		fetchLimit = limit * 3
	}

	collection := vector.CollectionName(project, vector.SuffixAgentMemory)
	results, err := s.provider.Search(ctx, collection, vec, fetchLimit, vector.SearchOptions{
		Filter:   filter,
		MinScore: opts.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}

	recalled := make([]Recalled, 0, len(results))
	for _, r := range results {
		m := memoryFromPayload(r.ID, r.Payload)
		if !hasAllTags(m.Tags, opts.Tags) {
			continue
		}
		recalled = append(recalled, Recalled{Memory: *m, Score: r.Score})
		if len(recalled) == limit {
			break
		}
	}
	return recalled, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// Payload flattens a memory into the engine payload shape. Exposed for
// components that write memory points directly, like the auto-merge flow.
func Payload(m *Memory, project string) map[string]any {
	return memoryPayload(m, project)
}

// FromPayload rebuilds a memory from an engine payload.
func FromPayload(id string, payload map[string]any) *Memory {
	return memoryFromPayload(id, payload)
}

// memoryPayload flattens a memory into the engine payload shape.
func memoryPayload(m *Memory, project string) map[string]any {
	payload := map[string]any{
		"type":      string(m.Type),
		"content":   m.Content,
		"project":   project,
		"source":    string(m.Source),
		"validated": m.Validated,
		"createdAt": m.CreatedAt.Format(time.RFC3339),
		"updatedAt": m.UpdatedAt.Format(time.RFC3339),
		"timestamp": m.CreatedAt.Format(time.RFC3339),
	}
	if len(m.Tags) > 0 {
		tags := make([]any, len(m.Tags))
		for i, t := range m.Tags {
			tags[i] = t
		}
		payload["tags"] = tags
	}
	if m.RelatedTo != "" {
		payload["relatedTo"] = m.RelatedTo
	}
	if m.Confidence > 0 {
		payload["confidence"] = m.Confidence
	}
	if m.Status != "" {
		payload["status"] = m.Status
	}
	if len(m.StatusHistory) > 0 {
		history := make([]any, len(m.StatusHistory))
		for i, h := range m.StatusHistory {
			entry := map[string]any{
				"status":    h.Status,
				"timestamp": h.Timestamp.Format(time.RFC3339),
			}
			if h.Note != "" {
				entry["note"] = h.Note
			}
			history[i] = entry
		}
		payload["statusHistory"] = history
	}
	if len(m.Metadata) > 0 {
		payload["metadata"] = m.Metadata
	}
	return payload
}

// memoryFromPayload rebuilds a memory from an engine payload.
func memoryFromPayload(id string, payload map[string]any) *Memory {
	m := &Memory{ID: id}
	if v, ok := payload["type"].(string); ok {
		m.Type = Type(v)
	}
	if v, ok := payload["content"].(string); ok {
		m.Content = v
	}
	if v, ok := payload["relatedTo"].(string); ok {
		m.RelatedTo = v
	}
	if v, ok := payload["source"].(string); ok {
		m.Source = Source(v)
	}
	if v, ok := payload["status"].(string); ok {
		m.Status = v
	}
	if v, ok := payload["validated"].(bool); ok {
		m.Validated = v
	}
	if v, ok := payload["confidence"].(float64); ok {
		m.Confidence = v
	}
	if v, ok := payload["createdAt"].(string); ok {
		m.CreatedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := payload["updatedAt"].(string); ok {
		m.UpdatedAt, _ = time.Parse(time.RFC3339, v)
	}
	if tags, ok := payload["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				m.Tags = append(m.Tags, s)
			}
		}
	}
	if history, ok := payload["statusHistory"].([]any); ok {
		for _, h := range history {
			entry, ok := h.(map[string]any)
			if !ok {
				continue
			}
			change := StatusChange{}
			if s, ok := entry["status"].(string); ok {
				change.Status = s
			}
			if s, ok := entry["timestamp"].(string); ok {
				change.Timestamp, _ = time.Parse(time.RFC3339, s)
			}
			if s, ok := entry["note"].(string); ok {
				change.Note = s
			}
			m.StatusHistory = append(m.StatusHistory, change)
		}
	}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		m.Metadata = meta
	}
	return m
}
