package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Recommend delegates to the engine's native recommendation query: neighbors
// of the positive examples, steered away from the negative ones.
func (s *QdrantStore) Recommend(ctx context.Context, collection string, positive, negative []string, limit int, minScore float32) ([]Result, error) {
	if len(positive) == 0 {
		return nil, fmt.Errorf("recommend requires at least one positive example")
	}

	input := &qdrant.RecommendInput{}
	for _, id := range positive {
		input.Positive = append(input.Positive, qdrant.NewVectorInputID(qdrant.NewID(id)))
	}
	for _, id := range negative {
		input.Negative = append(input.Negative, qdrant.NewVectorInputID(qdrant.NewID(id)))
	}

	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryRecommend(input),
		Using:          qdrant.PtrOf(denseVectorName),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if minScore > 0 {
		query.ScoreThreshold = qdrant.PtrOf(minScore)
	}

	points, err := s.client.Query(ctx, query)
	if isBadRequest(err) {
		query.Using = nil
		points, err = s.client.Query(ctx, query)
	}
	if err != nil {
		if isNotFound(err) {
			return []Result{}, nil
		}
		return nil, fmt.Errorf("recommend failed on %s: %w", collection, err)
	}
	return scoredToResults(points), nil
}

// DuplicateGroup is a set of near-identical points with the similarity of
// its tightest pair.
type DuplicateGroup struct {
	IDs        []string `json:"ids"`
	Similarity float32  `json:"similarity"`
}

// FindDuplicates samples up to limit points and groups those whose
// recommend-self neighborhoods overlap above threshold. Grouping is
// transitive: a~b and b~c land in one group.
func FindDuplicates(ctx context.Context, p Provider, collection string, limit int, threshold float32) ([]DuplicateGroup, error) {
	page, err := p.Scroll(ctx, collection, nil, limit, "")
	if err != nil {
		return nil, err
	}
	if len(page.Points) == 0 {
		return nil, nil
	}

	parent := make(map[string]string, len(page.Points))
	best := make(map[string]float32)
	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b string, score float32) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
		root := find(a)
		if score > best[root] {
			best[root] = score
		}
	}

	sampled := make(map[string]bool, len(page.Points))
	for _, pt := range page.Points {
		parent[pt.ID] = pt.ID
		sampled[pt.ID] = true
	}

	for _, pt := range page.Points {
		neighbors, err := p.Recommend(ctx, collection, []string{pt.ID}, nil, 5, threshold)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if n.ID == pt.ID || !sampled[n.ID] {
				continue
			}
			union(pt.ID, n.ID, n.Score)
		}
	}

	groups := make(map[string][]string)
	for id := range parent {
		root := find(id)
		groups[root] = append(groups[root], id)
	}

	var out []DuplicateGroup
	for root, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		out = append(out, DuplicateGroup{IDs: ids, Similarity: best[root]})
	}
	return out, nil
}

// FindClusters expands a set of seed points into their score-thresholded
// neighborhood. The returned results include the cluster members found by
// the engine, not the seeds themselves.
func FindClusters(ctx context.Context, p Provider, collection string, seedIDs []string, limit int, threshold float32) ([]Result, error) {
	if len(seedIDs) == 0 {
		return nil, fmt.Errorf("clustering requires at least one seed id")
	}
	return p.Recommend(ctx, collection, seedIDs, nil, limit, threshold)
}

// AggregateByField scrolls the whole collection payload-only and returns a
// histogram of the field's values. List-valued fields contribute one count
// per element.
func AggregateByField(ctx context.Context, p Provider, collection, field string) (map[string]int, error) {
	histogram := make(map[string]int)
	offset := ""
	for {
		page, err := p.Scroll(ctx, collection, nil, scrollPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, pt := range page.Points {
			switch v := pt.Payload[field].(type) {
			case string:
				histogram[v]++
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						histogram[s]++
					}
				}
			case nil:
				// Field absent on this point.
			default:
				histogram[fmt.Sprintf("%v", v)]++
			}
		}
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}
	return histogram, nil
}
