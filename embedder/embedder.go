// Package embedder converts text into dense (and optionally sparse) vectors
// through a pluggable provider, with multi-level caching layered on top.
package embedder

import (
	"context"

	"github.com/quarry-ai/quarry/vector"
)

// Embedding is the full output of a sparse-capable provider. Providers
// without sparse support return an empty sparse vector.
type Embedding struct {
	Dense  []float32            `json:"dense"`
	Sparse *vector.SparseVector `json:"sparse"`
}

// Provider is the raw embedding backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Embed converts one text to a dense vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one provider call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedFull returns dense and sparse vectors for one text.
	EmbedFull(ctx context.Context, text string) (*Embedding, error)

	// EmbedBatchFull returns dense and sparse vectors for multiple texts.
	EmbedBatchFull(ctx context.Context, texts []string) ([]*Embedding, error)

	// Dimension is the fixed dense vector dimension.
	Dimension() int
}

// Options carries the cache scope for a lookup. When both SessionID and
// ProjectName are set the multi-level cache is used; otherwise lookups fall
// back to the single-level cache.
type Options struct {
	SessionID   string
	ProjectName string
}

func (o Options) multiLevel() bool {
	return o.SessionID != "" && o.ProjectName != ""
}
