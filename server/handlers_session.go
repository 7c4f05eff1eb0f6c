package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quarry-ai/quarry/session"
)

// handleSessionStart creates a session, reaping stale ones and resuming from
// a recent session when available.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req session.StartOptions
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}

	result, err := s.sessions.Start(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sessionEndRequest struct {
	Project string `json:"project"`
	session.EndOptions
}

// handleSessionEnd closes a session.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sessionEndRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}

	ended, err := s.sessions.End(r.Context(), req.Project, id, req.EndOptions)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.predictor != nil {
		s.predictor.Forget(id)
	}
	writeJSON(w, http.StatusOK, ended)
}

type activityRequest struct {
	Project string `json:"project"`
	session.Activity
}

// handleSessionActivity applies one activity event.
func (s *Server) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req activityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Project == "" {
		writeFieldError(w, "project")
		return
	}
	if req.Type == "" {
		writeFieldError(w, "type")
		return
	}
	if req.Value == "" {
		writeFieldError(w, "value")
		return
	}

	updated, err := s.sessions.AddActivity(r.Context(), req.Project, id, req.Activity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
