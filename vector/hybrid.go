package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/qdrant/go-client/qdrant"
)

// rrfK is the rank constant in reciprocal rank fusion:
// score(id) = Σ 1/(rrfK + rank_i(id)).
const rrfK = 60

// HybridSearch attempts the engine-native prefetch+RRF query and falls back
// to client-side fusion of two independent searches when the engine rejects
// it. An empty sparse vector degrades to a plain dense search.
func (s *QdrantStore) HybridSearch(ctx context.Context, collection string, dense []float32, sparse *SparseVector, limit int) ([]Result, error) {
	if sparse.Empty() {
		return s.Search(ctx, collection, dense, limit, SearchOptions{})
	}

	results, err := s.hybridNative(ctx, collection, dense, sparse, limit)
	if err == nil {
		return results, nil
	}
	if isNotFound(err) {
		return []Result{}, nil
	}

	slog.Debug("Native hybrid query failed, falling back to client-side RRF",
		"collection", collection, "error", err)
	return s.hybridClientSide(ctx, collection, dense, sparse, limit)
}

// hybridNative issues a prefetch query fused server-side with RRF.
func (s *QdrantStore) hybridNative(ctx context.Context, collection string, dense []float32, sparse *SparseVector, limit int) ([]Result, error) {
	prefetchLimit := uint64(limit * 2)
	if prefetchLimit < 20 {
		prefetchLimit = 20
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Prefetch: []*qdrant.PrefetchQuery{
			{
				Query: qdrant.NewQuery(dense...),
				Using: qdrant.PtrOf(denseVectorName),
				Limit: qdrant.PtrOf(prefetchLimit),
			},
			{
				Query: qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
				Using: qdrant.PtrOf(sparseVectorName),
				Limit: qdrant.PtrOf(prefetchLimit),
			},
		},
		Query:       qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:       qdrant.PtrOf(uint64(limit)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("native hybrid query failed on %s: %w", collection, err)
	}
	return scoredToResults(points), nil
}

// hybridClientSide runs dense and sparse searches independently and fuses the
// two ranked lists with reciprocal rank fusion.
func (s *QdrantStore) hybridClientSide(ctx context.Context, collection string, dense []float32, sparse *SparseVector, limit int) ([]Result, error) {
	fetch := limit * 2
	if fetch < 20 {
		fetch = 20
	}

	denseResults, err := s.Search(ctx, collection, dense, fetch, SearchOptions{})
	if err != nil {
		return nil, err
	}

	sparseResults, err := s.sparseSearch(ctx, collection, sparse, fetch)
	if err != nil {
		// Sparse side is optional: collections without a sparse vector
		// still serve dense results.
		slog.Debug("Sparse search failed during RRF fallback",
			"collection", collection, "error", err)
		sparseResults = nil
	}

	fused := fuseRRF([][]Result{denseResults, sparseResults}, limit)
	return fused, nil
}

// sparseSearch runs a sparse-only query against the named sparse vector.
func (s *QdrantStore) sparseSearch(ctx context.Context, collection string, sparse *SparseVector, limit int) ([]Result, error) {
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
		Using:          qdrant.PtrOf(sparseVectorName),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	return scoredToResults(points), nil
}

// fuseRRF combines ranked result lists by reciprocal rank fusion and returns
// the top limit results by fused score. Payloads are taken from whichever
// list saw the point first.
func fuseRRF(lists [][]Result, limit int) []Result {
	scores := make(map[string]float32)
	payloads := make(map[string]Result)

	for _, list := range lists {
		for rank, r := range list {
			scores[r.ID] += 1.0 / float32(rrfK+rank+1)
			if _, seen := payloads[r.ID]; !seen {
				payloads[r.ID] = r
			}
		}
	}

	fused := make([]Result, 0, len(scores))
	for id, score := range scores {
		r := payloads[id]
		fused = append(fused, Result{ID: id, Score: score, Payload: r.Payload})
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})

	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused
}
