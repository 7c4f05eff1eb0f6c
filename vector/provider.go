// Package vector abstracts the vector engine behind a Provider interface.
//
// Two implementations exist: QdrantStore wraps a remote Qdrant instance over
// gRPC, MemStore is an in-process brute-force store for dev mode and tests.
// Both share the same filter and payload semantics so every consumer can run
// against either.
package vector

import (
	"context"
	"fmt"
)

// Collection suffixes. Every collection is named <project>_<suffix>.
const (
	SuffixCodebase       = "codebase"
	SuffixAgentMemory    = "agent_memory"
	SuffixMemoryPending  = "memory_pending"
	SuffixSessions       = "sessions"
	SuffixToolUsage      = "tool_usage"
	SuffixSearchFeedback = "search_feedback"
	SuffixMemoryFeedback = "memory_feedback"
	SuffixQueryPatterns  = "query_patterns"
	SuffixConfluence     = "confluence"
)

// CollectionName builds the canonical per-project collection name.
func CollectionName(project, suffix string) string {
	return fmt.Sprintf("%s_%s", project, suffix)
}

// IndexedPayloadFields are the payload fields that get a keyword index on
// collection creation.
var IndexedPayloadFields = []string{
	"type", "tags", "file", "timestamp", "sessionId", "validated", "source", "project",
}

// SparseVector is the indices/values form produced by sparse-capable
// embedding providers. An empty sparse vector degrades searches to
// dense-only.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Empty reports whether the sparse vector carries no terms.
func (s *SparseVector) Empty() bool {
	return s == nil || len(s.Indices) == 0
}

// Point is a single vector with payload, ready for upsert. Points without an
// ID get a fresh UUID assigned by the store.
type Point struct {
	ID      string
	Vector  []float32
	Sparse  *SparseVector
	Payload map[string]any
}

// Result is a scored point returned from search-like operations.
type Result struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Filter is an equality filter over payload fields. Values may be string,
// bool, int or float64; all conditions must match.
type Filter map[string]any

// SearchOptions tunes a dense search.
type SearchOptions struct {
	// Filter restricts candidates by payload equality.
	Filter Filter

	// MinScore drops results below this similarity when positive.
	MinScore float32
}

// ScrollPage is one page of a scroll traversal. NextOffset is empty when the
// traversal is exhausted.
type ScrollPage struct {
	Points     []Result
	NextOffset string
}

// Provider is the engine-portable surface used by every component.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Ensure creates the collection with the configured dense size, cosine
	// distance and standard payload indexes if it does not exist. Idempotent
	// and safe under concurrent invocation.
	Ensure(ctx context.Context, collection string) error

	// Upsert writes points in batches with blocking wait. Points without an
	// ID are assigned fresh UUIDs; the collection is ensured first.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search runs a dense similarity query ordered by descending score.
	// A missing collection yields an empty slice, never an error.
	Search(ctx context.Context, collection string, vec []float32, limit int, opts SearchOptions) ([]Result, error)

	// HybridSearch runs the engine-native dense+sparse fused query, falling
	// back to client-side RRF fusion when the engine rejects it. An empty
	// sparse vector degrades to dense-only.
	HybridSearch(ctx context.Context, collection string, dense []float32, sparse *SparseVector, limit int) ([]Result, error)

	// Delete removes points by ID with blocking wait.
	Delete(ctx context.Context, collection string, ids []string) error

	// DeleteByFilter removes all points matching the filter with blocking
	// wait.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error

	// Scroll pages through points matching the filter, payload-only.
	Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) (*ScrollPage, error)

	// Count returns the number of points matching the filter.
	Count(ctx context.Context, collection string, filter Filter) (uint64, error)

	// Recommend finds neighbors of the positive examples away from the
	// negative ones. Implementations without native support construct a
	// pseudo-vector mean(positive) − mean(negative) and search with it.
	Recommend(ctx context.Context, collection string, positive, negative []string, limit int, minScore float32) ([]Result, error)

	// DeleteCollection drops the collection entirely.
	DeleteCollection(ctx context.Context, collection string) error

	// Close releases client resources.
	Close() error
}

// Admin is the operational surface: aliases for zero-downtime reindex,
// snapshots and quantization. Kept separate from Provider because most
// components never touch it.
type Admin interface {
	// CreateAlias points alias at collection.
	CreateAlias(ctx context.Context, alias, collection string) error

	// SwapAlias atomically repoints alias from one collection to another.
	SwapAlias(ctx context.Context, alias, from, to string) error

	// ListAliases returns alias → collection.
	ListAliases(ctx context.Context) (map[string]string, error)

	// CreateSnapshot snapshots a collection, returning the snapshot name.
	CreateSnapshot(ctx context.Context, collection string) (string, error)

	// ListSnapshots lists snapshot names for a collection.
	ListSnapshots(ctx context.Context, collection string) ([]string, error)

	// DeleteSnapshot removes a snapshot.
	DeleteSnapshot(ctx context.Context, collection, name string) error

	// EnableQuantization turns on scalar int8 quantization at the given
	// quantile.
	EnableQuantization(ctx context.Context, collection string, quantile float32) error

	// DisableQuantization turns scalar quantization off.
	DisableQuantization(ctx context.Context, collection string) error
}
