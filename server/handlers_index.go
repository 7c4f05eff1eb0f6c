package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quarry-ai/quarry/indexer"
	"github.com/quarry-ai/quarry/vector"
)

type indexRequest struct {
	Project string `json:"project"`
	Path    string `json:"path"`
	Force   bool   `json:"force,omitempty"`
}

func (req *indexRequest) validate(w http.ResponseWriter) bool {
	if req.Project == "" {
		writeFieldError(w, "project")
		return false
	}
	if req.Path == "" {
		writeFieldError(w, "path")
		return false
	}
	return true
}

// handleIndex starts a background index run into the project's codebase
// collection.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decodeBody(w, r, &req) || !req.validate(w) {
		return
	}

	run := indexer.RunRequest{Project: req.Project, Path: req.Path, Force: req.Force}
	collection := vector.CollectionName(req.Project, vector.SuffixCodebase)
	if _, err := s.indexer.RunAsync(run, collection); err != nil {
		if errors.Is(err, indexer.ErrAlreadyIndexing) {
			writeError(w, http.StatusConflict, "already_indexing")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "indexing",
		"collection": collection,
	})
}

// handleIndexStatus returns the progress snapshot. Accepts either the
// project name or its codebase collection name.
func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if collection == "" {
		writeFieldError(w, "collection")
		return
	}
	project := strings.TrimSuffix(collection, "_"+vector.SuffixCodebase)
	writeJSON(w, http.StatusOK, s.indexer.Progress(project))
}

// handleReindex rebuilds the project's index into a fresh versioned
// collection and atomically repoints the alias once the build completes.
// Searches through the alias never observe a partially built index.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decodeBody(w, r, &req) || !req.validate(w) {
		return
	}
	if s.admin == nil {
		writeError(w, http.StatusNotImplemented, "alias operations are not supported by this store")
		return
	}

	alias := vector.CollectionName(req.Project, vector.SuffixCodebase)
	target := fmt.Sprintf("%s__v%d", alias, time.Now().Unix())

	run := indexer.RunRequest{Project: req.Project, Path: req.Path, Force: true}
	done, err := s.indexer.RunAsync(run, target)
	if err != nil {
		if errors.Is(err, indexer.ErrAlreadyIndexing) {
			writeError(w, http.StatusConflict, "already_indexing")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		if err := <-done; err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.repointAlias(ctx, alias, target)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "reindexing",
		"alias":      alias,
		"collection": target,
	})
}

// repointAlias swaps the alias to the freshly built collection, creating it
// on first reindex, and drops the superseded collection.
func (s *Server) repointAlias(ctx context.Context, alias, target string) {
	aliases, err := s.admin.ListAliases(ctx)
	if err != nil {
		slog.Error("Failed to list aliases after reindex", "alias", alias, "error", err)
		return
	}

	previous, exists := aliases[alias]
	if !exists {
		if err := s.admin.CreateAlias(ctx, alias, target); err != nil {
			slog.Error("Failed to create alias after reindex", "alias", alias, "error", err)
		}
		return
	}

	if err := s.admin.SwapAlias(ctx, alias, previous, target); err != nil {
		slog.Error("Failed to swap alias after reindex", "alias", alias, "error", err)
		return
	}
	if err := s.provider.DeleteCollection(ctx, previous); err != nil {
		slog.Warn("Failed to drop superseded collection", "collection", previous, "error", err)
	}
	slog.Info("Reindex complete", "alias", alias, "collection", target, "previous", previous)
}

// handleAliases lists alias → collection mappings.
func (s *Server) handleAliases(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeError(w, http.StatusNotImplemented, "alias operations are not supported by this store")
		return
	}
	aliases, err := s.admin.ListAliases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aliases": aliases})
}
