package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// denseVectorName is the named dense vector used by collections created
	// by this store.
	denseVectorName = "dense"

	// sparseVectorName is the named sparse vector used for hybrid search.
	sparseVectorName = "sparse"

	// upsertBatchSize bounds points per upsert request.
	upsertBatchSize = 100

	// scrollPageSize bounds points per scroll request when the caller does
	// not specify a limit.
	scrollPageSize = 100
)

// QdrantStore implements Provider and Admin over a Qdrant gRPC client.
// All methods are safe for concurrent use; the only local state is the
// ensured-collection set.
type QdrantStore struct {
	client     *qdrant.Client
	vectorSize uint64

	mu      sync.Mutex
	ensured map[string]bool
}

// QdrantConfig configures the store.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	VectorSize uint64
}

// NewQdrantStore creates a store over a new Qdrant client.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.VectorSize == 0 {
		cfg.VectorSize = 1024
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client:     client,
		vectorSize: cfg.VectorSize,
		ensured:    make(map[string]bool),
	}, nil
}

// isNotFound reports whether the engine rejected the call because the
// collection (or point) does not exist.
func isNotFound(err error) bool {
	if s, ok := status.FromError(err); ok && s.Code() == codes.NotFound {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "doesn't exist")
}

// isBadRequest reports whether the engine rejected the request shape, which
// triggers the named/anonymous vector fallback on search.
func isBadRequest(err error) bool {
	if s, ok := status.FromError(err); ok && s.Code() == codes.InvalidArgument {
		return true
	}
	return false
}

// Ensure creates the collection if missing: named dense vector of the
// configured size with cosine distance, a sparse vector for hybrid queries,
// two default segments and keyword indexes on the standard payload fields.
func (s *QdrantStore) Ensure(ctx context.Context, collection string) error {
	s.mu.Lock()
	if s.ensured[collection] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}

	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				denseVectorName: {
					Size:     s.vectorSize,
					Distance: qdrant.Distance_Cosine,
				},
			}),
			SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
				sparseVectorName: {},
			}),
			OptimizersConfig: &qdrant.OptimizersConfigDiff{
				DefaultSegmentNumber: qdrant.PtrOf(uint64(2)),
			},
		})
		if err != nil {
			// Another caller may have created it between the existence check
			// and the create call.
			if !strings.Contains(err.Error(), "already exists") {
				return fmt.Errorf("failed to create collection %s: %w", collection, err)
			}
		} else {
			s.createPayloadIndexes(ctx, collection)
		}
	}

	s.mu.Lock()
	s.ensured[collection] = true
	s.mu.Unlock()
	return nil
}

// createPayloadIndexes indexes the standard payload fields. Index creation
// failures are logged, not fatal: the engine falls back to full scans.
func (s *QdrantStore) createPayloadIndexes(ctx context.Context, collection string) {
	for _, field := range IndexedPayloadFields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			slog.Warn("Failed to create payload index",
				"collection", collection,
				"field", field,
				"error", err)
		}
	}
}

// Upsert writes points in batches of 100 with blocking wait. Points without
// an ID get a fresh UUID.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.Ensure(ctx, collection); err != nil {
		return err
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}

		payload, err := toQdrantPayload(p.Payload)
		if err != nil {
			return err
		}

		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVector(p.Vector...),
		}
		if !p.Sparse.Empty() {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
		}

		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: payload,
		})
	}

	for start := 0; start < len(qdrantPoints); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(qdrantPoints) {
			end = len(qdrantPoints)
		}
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         qdrantPoints[start:end],
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to upsert batch into %s: %w", collection, err)
		}
	}
	return nil
}

// Search runs a dense query against the named vector, retrying once with the
// anonymous-vector form when the engine rejects the named one. A missing
// collection yields an empty result set.
func (s *QdrantStore) Search(ctx context.Context, collection string, vec []float32, limit int, opts SearchOptions) ([]Result, error) {
	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vec...),
		Using:          qdrant.PtrOf(denseVectorName),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         toQdrantFilter(opts.Filter),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if opts.MinScore > 0 {
		query.ScoreThreshold = qdrant.PtrOf(opts.MinScore)
	}

	points, err := s.client.Query(ctx, query)
	if isBadRequest(err) {
		// Collections created outside this store may use an anonymous
		// dense vector; the two request forms are mutually exclusive.
		query.Using = nil
		points, err = s.client.Query(ctx, query)
	}
	if err != nil {
		if isNotFound(err) {
			return []Result{}, nil
		}
		return nil, fmt.Errorf("search failed on %s: %w", collection, err)
	}

	return scoredToResults(points), nil
}

func scoredToResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))
	for _, p := range points {
		results = append(results, Result{
			ID:      pointIDString(p.Id),
			Score:   p.Score,
			Payload: fromQdrantPayload(p.Payload),
		})
	}
	return results
}

// Delete removes points by ID with blocking wait.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete points from %s: %w", collection, err)
	}
	return nil
}

// DeleteByFilter removes all points matching the filter with blocking wait.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	qf := toQdrantFilter(filter)
	if qf == nil {
		return fmt.Errorf("delete by filter requires a non-empty filter")
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelectorFilter(qf),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete by filter from %s: %w", collection, err)
	}
	return nil
}

// Scroll pages through points matching the filter, payload-only. The raw
// points client is used because the high-level helper drops the next-page
// offset.
func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) (*ScrollPage, error) {
	if limit <= 0 {
		limit = scrollPageSize
	}
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(filter),
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	}
	if offset != "" {
		req.Offset = qdrant.NewID(offset)
	}

	resp, err := s.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		if isNotFound(err) {
			return &ScrollPage{}, nil
		}
		return nil, fmt.Errorf("scroll failed on %s: %w", collection, err)
	}

	page := &ScrollPage{Points: make([]Result, 0, len(resp.Result))}
	for _, p := range resp.Result {
		page.Points = append(page.Points, Result{
			ID:      pointIDString(p.Id),
			Payload: fromQdrantPayload(p.Payload),
		})
	}
	if resp.NextPageOffset != nil {
		page.NextOffset = pointIDString(resp.NextPageOffset)
	}
	return page, nil
}

// Count returns the number of points matching the filter.
func (s *QdrantStore) Count(ctx context.Context, collection string, filter Filter) (uint64, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(filter),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count failed on %s: %w", collection, err)
	}
	return count, nil
}

// DeleteCollection drops the collection.
func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	s.mu.Lock()
	delete(s.ensured, collection)
	s.mu.Unlock()
	return nil
}

// Close closes the underlying client.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ensure QdrantStore implements both surfaces.
var (
	_ Provider = (*QdrantStore)(nil)
	_ Admin    = (*QdrantStore)(nil)
)
