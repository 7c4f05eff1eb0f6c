package server

import (
	"encoding/json"
	"net/http"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/vector"
)

const defaultSearchLimit = 10

type searchRequest struct {
	Project   string         `json:"project"`
	Query     string         `json:"query"`
	Collection string        `json:"collection,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Filter    map[string]any `json:"filter,omitempty"`
	MinScore  float32        `json:"minScore,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

func (req *searchRequest) validate(w http.ResponseWriter) bool {
	if req.Project == "" {
		writeFieldError(w, "project")
		return false
	}
	if req.Query == "" {
		writeFieldError(w, "query")
		return false
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Collection == "" {
		req.Collection = vector.CollectionName(req.Project, vector.SuffixCodebase)
	}
	return true
}

// filterKey serializes the filter for the search cache key.
func (req *searchRequest) filterKey() string {
	if len(req.Filter) == 0 {
		return ""
	}
	b, _ := json.Marshal(req.Filter)
	return string(b)
}

// handleSearch runs a dense query with the session search cache in front.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) || !req.validate(w) {
		return
	}
	ctx := r.Context()

	key := cache.SearchCacheKey(req.Collection, req.Query, req.filterKey())
	if req.SessionID != "" {
		if results, level, err := s.cache.GetSearch(ctx, req.SessionID, req.Project, key); err == nil && level != cache.LevelMiss {
			writeJSON(w, http.StatusOK, map[string]any{"results": results, "cached": string(level)})
			return
		}
	}

	vec, err := s.embedder.Embed(ctx, req.Query, embedder.Options{
		SessionID:   req.SessionID,
		ProjectName: req.Project,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "embedding failed: "+err.Error())
		return
	}

	results, err := s.provider.Search(ctx, req.Collection, vec, req.Limit, vector.SearchOptions{
		Filter:   vector.Filter(req.Filter),
		MinScore: req.MinScore,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.SessionID != "" {
		_ = s.cache.SetSearch(ctx, req.SessionID, req.Project, key, results)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleHybridSearch runs a dense+sparse fused query. File and language
// filters are applied to the fused results because the native fusion query
// does not carry payload filters.
func (s *Server) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) || !req.validate(w) {
		return
	}
	ctx := r.Context()

	full, err := s.embedder.EmbedFull(ctx, req.Query, embedder.Options{
		SessionID:   req.SessionID,
		ProjectName: req.Project,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "embedding failed: "+err.Error())
		return
	}

	// Over-fetch so post-filtering still fills the page.
	fetchLimit := req.Limit
	if len(req.Filter) > 0 {
		fetchLimit = req.Limit * 3
	}
	results, err := s.provider.HybridSearch(ctx, req.Collection, full.Dense, full.Sparse, fetchLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(req.Filter) > 0 {
		filtered := results[:0]
		for _, res := range results {
			if matchesPayloadFilter(res.Payload, req.Filter) {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func matchesPayloadFilter(payload, filter map[string]any) bool {
	for field, want := range filter {
		if payload[field] != want {
			return false
		}
	}
	return true
}

type duplicatesRequest struct {
	Project    string  `json:"project"`
	Collection string  `json:"collection,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	Threshold  float32 `json:"threshold,omitempty"`
}

// handleDuplicates groups near-identical points in a collection.
func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	var req duplicatesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if req.Collection == "" {
		req.Collection = vector.CollectionName(req.Project, vector.SuffixAgentMemory)
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	if req.Threshold <= 0 {
		req.Threshold = 0.9
	}

	groups, err := vector.FindDuplicates(r.Context(), s.provider, req.Collection, req.Limit, req.Threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

type clustersRequest struct {
	Project    string   `json:"project"`
	Collection string   `json:"collection,omitempty"`
	SeedIDs    []string `json:"seedIds"`
	Limit      int      `json:"limit,omitempty"`
	Threshold  float32  `json:"threshold,omitempty"`
}

// handleClusters expands seed points into their thresholded neighborhood.
func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	var req clustersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if len(req.SeedIDs) == 0 {
		writeFieldError(w, "seedIds")
		return
	}
	if req.Collection == "" {
		req.Collection = vector.CollectionName(req.Project, vector.SuffixAgentMemory)
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	members, err := vector.FindClusters(r.Context(), s.provider, req.Collection, req.SeedIDs, req.Limit, req.Threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

type recommendRequest struct {
	Project    string   `json:"project"`
	Collection string   `json:"collection,omitempty"`
	Positive   []string `json:"positive"`
	Negative   []string `json:"negative,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	MinScore   float32  `json:"minScore,omitempty"`
}

// handleRecommend finds neighbors of positive examples away from negatives.
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if len(req.Positive) == 0 {
		writeFieldError(w, "positive")
		return
	}
	if req.Collection == "" {
		req.Collection = vector.CollectionName(req.Project, vector.SuffixCodebase)
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}

	results, err := s.provider.Recommend(r.Context(), req.Collection, req.Positive, req.Negative, req.Limit, req.MinScore)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
