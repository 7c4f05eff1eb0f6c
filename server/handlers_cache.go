package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quarry-ai/quarry/patterns"
)

type cacheWarmRequest struct {
	Project           string   `json:"project"`
	SessionID         string   `json:"sessionId"`
	PreviousSessionID string   `json:"previousSessionId,omitempty"`
	RecentQueries     []string `json:"recentQueries,omitempty"`
}

// handleCacheWarm copies a previous session's hot keys into a new session.
// Warming is best-effort by contract, so the response is always ok.
func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	var req cacheWarmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if req.SessionID == "" {
		writeFieldError(w, "sessionId")
		return
	}

	s.cache.WarmSession(r.Context(), req.Project, req.SessionID, req.PreviousSessionID, req.RecentQueries)
	writeJSON(w, http.StatusOK, map[string]string{"status": "warmed"})
}

type cachePruneRequest struct {
	Pattern string `json:"pattern"`
}

// handleCachePrune deletes keys by pattern. O(n) on large patterns; callers
// own that tradeoff.
func (s *Server) handleCachePrune(w http.ResponseWriter, r *http.Request) {
	var req cachePruneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		writeFieldError(w, "pattern")
		return
	}

	deleted, err := s.cache.DeletePattern(r.Context(), req.Pattern)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleCacheStats returns the session's hit counters.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := s.cache.SessionStats(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleUsageRecord persists one tool-usage trace.
func (s *Server) handleUsageRecord(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusNotImplemented, "usage tracking is not configured")
		return
	}
	var usage patterns.ToolUsage
	if !decodeBody(w, r, &usage) {
		return
	}
	if usage.ProjectName == "" {
		writeFieldError(w, "projectName")
		return
	}
	if usage.ToolName == "" {
		writeFieldError(w, "toolName")
		return
	}

	if err := s.tracker.Record(r.Context(), usage); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleUsageReport aggregates tool usage per project.
func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusNotImplemented, "usage tracking is not configured")
		return
	}
	project := chi.URLParam(r, "project")
	report, err := s.tracker.Aggregate(r.Context(), project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type factsRequest struct {
	Project   string `json:"project"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text"`
}

// handleFacts extracts provenance-tagged facts from an observation trace and
// routes them through memory governance.
func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		writeError(w, http.StatusNotImplemented, "fact extraction is not configured")
		return
	}
	var req factsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if req.Text == "" {
		writeFieldError(w, "text")
		return
	}

	accepted := s.extractor.Process(r.Context(), req.Project, req.SessionID, req.Text)
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}
