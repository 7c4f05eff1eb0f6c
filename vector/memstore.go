package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-process Provider and Admin used in dev mode and tests.
// It brute-forces cosine similarity and keeps points in insertion order so
// scroll cursors are stable.
type MemStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	aliases     map[string]string
	snapshots   map[string][]string
}

type memCollection struct {
	order  []string
	points map[string]*memPoint
}

type memPoint struct {
	id      string
	vector  []float32
	sparse  *SparseVector
	payload map[string]any
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		collections: make(map[string]*memCollection),
		aliases:     make(map[string]string),
		snapshots:   make(map[string][]string),
	}
}

// resolve maps an alias to its collection, if one exists.
func (m *MemStore) resolve(name string) string {
	if target, ok := m.aliases[name]; ok {
		return target
	}
	return name
}

func (m *MemStore) getCollection(name string) *memCollection {
	return m.collections[m.resolve(name)]
}

// Ensure creates the collection if missing.
func (m *MemStore) Ensure(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = &memCollection{points: make(map[string]*memPoint)}
	}
	return nil
}

// Upsert writes points, assigning UUIDs where missing.
func (m *MemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if err := m.Ensure(ctx, collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	col := m.getCollection(collection)
	for _, p := range points {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := col.points[id]; !exists {
			col.order = append(col.order, id)
		}
		col.points[id] = &memPoint{
			id:      id,
			vector:  append([]float32(nil), p.Vector...),
			sparse:  p.Sparse,
			payload: p.Payload,
		}
	}
	return nil
}

// matchesFilter applies equality semantics; list payloads match when they
// contain the filter value.
func matchesFilter(payload map[string]any, filter Filter) bool {
	for field, want := range filter {
		got, ok := payload[field]
		if !ok {
			return false
		}
		if list, isList := got.([]any); isList {
			found := false
			for _, item := range list {
				if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func sparseDot(query *SparseVector, doc *SparseVector) float32 {
	if query.Empty() || doc.Empty() {
		return 0
	}
	weights := make(map[uint32]float32, len(doc.Indices))
	for i, idx := range doc.Indices {
		weights[idx] = doc.Values[i]
	}
	var sum float32
	for i, idx := range query.Indices {
		sum += query.Values[i] * weights[idx]
	}
	return sum
}

// Search brute-forces cosine similarity over the collection.
func (m *MemStore) Search(_ context.Context, collection string, vec []float32, limit int, opts SearchOptions) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	col := m.getCollection(collection)
	if col == nil {
		return []Result{}, nil
	}

	var results []Result
	for _, id := range col.order {
		p := col.points[id]
		if len(opts.Filter) > 0 && !matchesFilter(p.payload, opts.Filter) {
			continue
		}
		score := cosine(vec, p.vector)
		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		results = append(results, Result{ID: id, Score: score, Payload: p.payload})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// HybridSearch fuses a dense and a sparse ranking client-side with RRF.
func (m *MemStore) HybridSearch(ctx context.Context, collection string, dense []float32, sparse *SparseVector, limit int) ([]Result, error) {
	denseResults, err := m.Search(ctx, collection, dense, limit*2, SearchOptions{})
	if err != nil {
		return nil, err
	}
	if sparse.Empty() {
		if len(denseResults) > limit {
			denseResults = denseResults[:limit]
		}
		return denseResults, nil
	}

	m.mu.RLock()
	col := m.getCollection(collection)
	var sparseResults []Result
	if col != nil {
		for _, id := range col.order {
			p := col.points[id]
			if score := sparseDot(sparse, p.sparse); score > 0 {
				sparseResults = append(sparseResults, Result{ID: id, Score: score, Payload: p.payload})
			}
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(sparseResults, func(i, j int) bool { return sparseResults[i].Score > sparseResults[j].Score })

	return fuseRRF([][]Result{denseResults, sparseResults}, limit), nil
}

// Delete removes points by ID.
func (m *MemStore) Delete(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.getCollection(collection)
	if col == nil {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(col.points, id)
	}
	order := col.order[:0]
	for _, id := range col.order {
		if !drop[id] {
			order = append(order, id)
		}
	}
	col.order = order
	return nil
}

// DeleteByFilter removes all points matching the filter.
func (m *MemStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("delete by filter requires a non-empty filter")
	}
	m.mu.RLock()
	col := m.getCollection(collection)
	var ids []string
	if col != nil {
		for id, p := range col.points {
			if matchesFilter(p.payload, filter) {
				ids = append(ids, id)
			}
		}
	}
	m.mu.RUnlock()
	return m.Delete(ctx, collection, ids)
}

// Scroll pages through points in insertion order; the cursor is the next
// unread point ID.
func (m *MemStore) Scroll(_ context.Context, collection string, filter Filter, limit int, offset string) (*ScrollPage, error) {
	if limit <= 0 {
		limit = scrollPageSize
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	col := m.getCollection(collection)
	if col == nil {
		return &ScrollPage{}, nil
	}

	start := 0
	if offset != "" {
		for i, id := range col.order {
			if id == offset {
				start = i
				break
			}
		}
	}

	page := &ScrollPage{}
	for i := start; i < len(col.order); i++ {
		p := col.points[col.order[i]]
		if len(filter) > 0 && !matchesFilter(p.payload, filter) {
			continue
		}
		if len(page.Points) == limit {
			page.NextOffset = p.id
			return page, nil
		}
		page.Points = append(page.Points, Result{ID: p.id, Payload: p.payload})
	}
	return page, nil
}

// Count returns the number of points matching the filter.
func (m *MemStore) Count(_ context.Context, collection string, filter Filter) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.getCollection(collection)
	if col == nil {
		return 0, nil
	}
	if len(filter) == 0 {
		return uint64(len(col.points)), nil
	}
	var n uint64
	for _, p := range col.points {
		if matchesFilter(p.payload, filter) {
			n++
		}
	}
	return n, nil
}

// Recommend constructs the pseudo-vector mean(positive) − mean(negative) and
// searches with it, excluding the example points themselves.
func (m *MemStore) Recommend(ctx context.Context, collection string, positive, negative []string, limit int, minScore float32) ([]Result, error) {
	if len(positive) == 0 {
		return nil, fmt.Errorf("recommend requires at least one positive example")
	}

	m.mu.RLock()
	col := m.getCollection(collection)
	if col == nil {
		m.mu.RUnlock()
		return []Result{}, nil
	}

	mean := func(ids []string) []float32 {
		var sum []float32
		n := 0
		for _, id := range ids {
			p, ok := col.points[id]
			if !ok {
				continue
			}
			if sum == nil {
				sum = make([]float32, len(p.vector))
			}
			for i, v := range p.vector {
				sum[i] += v
			}
			n++
		}
		if n == 0 {
			return nil
		}
		for i := range sum {
			sum[i] /= float32(n)
		}
		return sum
	}

	pos := mean(positive)
	if pos == nil {
		m.mu.RUnlock()
		return []Result{}, nil
	}
	if neg := mean(negative); neg != nil {
		for i := range pos {
			pos[i] -= neg[i]
		}
	}
	exclude := make(map[string]bool, len(positive)+len(negative))
	for _, id := range positive {
		exclude[id] = true
	}
	for _, id := range negative {
		exclude[id] = true
	}
	m.mu.RUnlock()

	results, err := m.Search(ctx, collection, pos, limit+len(exclude), SearchOptions{MinScore: minScore})
	if err != nil {
		return nil, err
	}
	filtered := results[:0]
	for _, r := range results {
		if !exclude[r.ID] {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// DeleteCollection drops the collection.
func (m *MemStore) DeleteCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, m.resolve(collection))
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }

// CreateAlias points alias at collection.
func (m *MemStore) CreateAlias(_ context.Context, alias, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[alias] = collection
	return nil
}

// SwapAlias atomically repoints alias.
func (m *MemStore) SwapAlias(_ context.Context, alias, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.aliases[alias]; ok && from != "" && current != from {
		return fmt.Errorf("alias %s points at %s, not %s", alias, current, from)
	}
	m.aliases[alias] = to
	return nil
}

// ListAliases returns alias → collection.
func (m *MemStore) ListAliases(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.aliases))
	for k, v := range m.aliases {
		out[k] = v
	}
	return out, nil
}

// CreateSnapshot records a snapshot name; MemStore keeps no snapshot data.
func (m *MemStore) CreateSnapshot(_ context.Context, collection string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := fmt.Sprintf("%s-%s", collection, uuid.NewString()[:8])
	m.snapshots[collection] = append(m.snapshots[collection], name)
	return name, nil
}

// ListSnapshots lists recorded snapshot names.
func (m *MemStore) ListSnapshots(_ context.Context, collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.snapshots[collection]...), nil
}

// DeleteSnapshot removes a recorded snapshot name.
func (m *MemStore) DeleteSnapshot(_ context.Context, collection, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := m.snapshots[collection][:0]
	for _, n := range m.snapshots[collection] {
		if n != name {
			names = append(names, n)
		}
	}
	m.snapshots[collection] = names
	return nil
}

// EnableQuantization is a no-op for the in-process store.
func (m *MemStore) EnableQuantization(_ context.Context, _ string, _ float32) error { return nil }

// DisableQuantization is a no-op for the in-process store.
func (m *MemStore) DisableQuantization(_ context.Context, _ string) error { return nil }

var (
	_ Provider = (*MemStore)(nil)
	_ Admin    = (*MemStore)(nil)
)
