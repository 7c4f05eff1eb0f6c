package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quarry-ai/quarry/memory"
)

// handleMemoryIngest writes a memory through governance. Manual sources land
// in the durable store; auto sources are threshold-gated into quarantine.
func (s *Server) handleMemoryIngest(w http.ResponseWriter, r *http.Request) {
	var req memory.IngestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if req.Content == "" {
		writeFieldError(w, "content")
		return
	}

	m, err := s.governance.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type recallRequest struct {
	Project  string   `json:"project"`
	Query    string   `json:"query"`
	Type     string   `json:"type,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	MinScore float32  `json:"minScore,omitempty"`
}

// handleRecallDurable searches the durable store.
func (s *Server) handleRecallDurable(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if req.Query == "" {
		writeFieldError(w, "query")
		return
	}

	recalled, err := s.governance.Store().Recall(r.Context(), req.Project, req.Query, memory.RecallOptions{
		Type:     memory.Type(req.Type),
		Tags:     req.Tags,
		Limit:    req.Limit,
		MinScore: req.MinScore,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": recalled})
}

// handlePromote moves a quarantine entry into the durable store, reporting
// gate failures with their per-gate details.
func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req memory.PromoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if req.ID == "" {
		writeFieldError(w, "id")
		return
	}

	promoted, err := s.governance.Promote(r.Context(), req)
	if err != nil {
		var notFound *memory.NotFoundError
		var gatesFailed *memory.QualityGatesError
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, notFound.Error())
		case errors.As(err, &gatesFailed):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{
				Error:   gatesFailed.Error(),
				Details: gatesFailed.Result,
			})
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, promoted)
}

// handleListQuarantine lists pending entries for ?project=…
func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeFieldError(w, "project")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.governance.ListQuarantine(r.Context(), project, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleReject drops a quarantine entry.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeFieldError(w, "project")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeFieldError(w, "id")
		return
	}

	if !s.governance.Reject(r.Context(), project, id) {
		writeError(w, http.StatusNotFound, "quarantine entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rejected": true})
}
