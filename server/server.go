// Package server is the HTTP surface over the retrieval and memory core.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/config"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/indexer"
	"github.com/quarry-ai/quarry/memory"
	"github.com/quarry-ai/quarry/patterns"
	"github.com/quarry-ai/quarry/predictor"
	"github.com/quarry-ai/quarry/session"
	"github.com/quarry-ai/quarry/vector"
)

// Server wires the HTTP routes to the core services.
type Server struct {
	httpServer *http.Server
	cfg        config.ServerConfig

	provider   vector.Provider
	admin      vector.Admin
	cache      *cache.Service
	embedder   *embedder.Service
	indexer    *indexer.Indexer
	governance *memory.Governance
	sessions   *session.Manager
	predictor  *predictor.Loader
	tracker    *patterns.Tracker
	extractor  *patterns.FactExtractor
}

// Deps carries the constructed service graph into the server.
type Deps struct {
	Provider   vector.Provider
	Admin      vector.Admin
	Cache      *cache.Service
	Embedder   *embedder.Service
	Indexer    *indexer.Indexer
	Governance *memory.Governance
	Sessions   *session.Manager
	Predictor  *predictor.Loader
	Tracker    *patterns.Tracker
	Extractor  *patterns.FactExtractor
}

// New creates the server and its router.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Provider == nil || deps.Cache == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("provider, cache and embedder are required")
	}
	if deps.Indexer == nil || deps.Governance == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("indexer, governance and session manager are required")
	}

	s := &Server{
		cfg:        cfg,
		provider:   deps.Provider,
		admin:      deps.Admin,
		cache:      deps.Cache,
		embedder:   deps.Embedder,
		indexer:    deps.Indexer,
		governance: deps.Governance,
		sessions:   deps.Sessions,
		predictor:  deps.Predictor,
		tracker:    deps.Tracker,
		extractor:  deps.Extractor,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/index", s.handleIndex)
		r.Get("/index/status/{collection}", s.handleIndexStatus)
		r.Post("/reindex", s.handleReindex)
		r.Get("/aliases", s.handleAliases)

		r.Post("/search", s.handleSearch)
		r.Post("/hybrid-search", s.handleHybridSearch)
		r.Post("/duplicates", s.handleDuplicates)
		r.Post("/clusters", s.handleClusters)
		r.Post("/recommend", s.handleRecommend)

		r.Post("/memory", s.handleMemoryIngest)
		r.Post("/memory/recall-durable", s.handleRecallDurable)
		r.Post("/memory/promote", s.handlePromote)
		r.Get("/memory/quarantine", s.handleListQuarantine)
		r.Delete("/memory/quarantine/{id}", s.handleReject)

		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/{id}/end", s.handleSessionEnd)
		r.Post("/session/{id}/activity", s.handleSessionActivity)

		r.Post("/cache/warm", s.handleCacheWarm)
		r.Post("/cache/prune", s.handleCachePrune)
		r.Get("/cache/session/{id}", s.handleCacheStats)

		r.Post("/usage", s.handleUsageRecord)
		r.Get("/usage/{project}", s.handleUsageReport)
		r.Post("/facts", s.handleFacts)
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if err := s.cache.Ping(r.Context()); err != nil {
		status["cache"] = "unreachable"
	}
	writeJSON(w, http.StatusOK, status)
}

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFieldError reports a missing or invalid request field as 400.
func writeFieldError(w http.ResponseWriter, field string) {
	writeError(w, http.StatusBadRequest, fmt.Sprintf("field %q is required", field))
}

// decodeBody parses the JSON request body, reporting malformed input as 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
