package main

import (
	"context"
	"log/slog"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/config"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/gates"
	"github.com/quarry-ai/quarry/indexer"
	"github.com/quarry-ai/quarry/llm"
	"github.com/quarry-ai/quarry/memory"
	"github.com/quarry-ai/quarry/patterns"
	"github.com/quarry-ai/quarry/predictor"
	"github.com/quarry-ai/quarry/server"
	"github.com/quarry-ai/quarry/session"
	"github.com/quarry-ai/quarry/vector"
)

// buildServices constructs the service graph bottom-up: stores and clients
// first, then the layers that depend on them. Everything is wired here and
// passed down; nothing initializes lazily.
func buildServices(cfg *config.Config, dev bool) (server.Deps, func(), error) {
	var provider vector.Provider
	var admin vector.Admin
	if dev {
		store := vector.NewMemStore()
		provider, admin = store, store
		slog.Info("Using in-memory vector store")
	} else {
		store, err := vector.NewQdrantStore(vector.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			VectorSize: cfg.Qdrant.VectorSize,
		})
		if err != nil {
			return server.Deps{}, nil, err
		}
		provider, admin = store, store
	}

	cacheSvc := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	embedSvc, err := embedder.NewService(embedder.NewHTTPEmbedder(embedder.HTTPConfig{
		BaseURL:   cfg.Embedder.BaseURL,
		APIKey:    cfg.Embedder.APIKey,
		Dimension: int(cfg.Qdrant.VectorSize),
		Timeout:   cfg.Embedder.Timeout,
	}), cacheSvc)
	if err != nil {
		return server.Deps{}, nil, err
	}

	llmClient := llm.NewHTTPClient(llm.HTTPConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})

	var gateRunner gates.Runner
	if cfg.Gates.BaseURL != "" {
		gateRunner = gates.NewClient(gates.Config{
			BaseURL: cfg.Gates.BaseURL,
			Timeout: cfg.Gates.Timeout,
		})
	}

	store, err := memory.NewStore(provider, embedSvc)
	if err != nil {
		return server.Deps{}, nil, err
	}
	governance, err := memory.NewGovernance(store, provider, embedSvc, gateRunner)
	if err != nil {
		return server.Deps{}, nil, err
	}

	loader, err := predictor.NewLoader(provider, cacheSvc, embedSvc)
	if err != nil {
		return server.Deps{}, nil, err
	}

	sessions, err := session.NewManager(provider, cacheSvc, embedSvc, governance, store, llmClient, loader, cfg.Session)
	if err != nil {
		return server.Deps{}, nil, err
	}

	tracker, err := patterns.NewTracker(provider, embedSvc)
	if err != nil {
		return server.Deps{}, nil, err
	}

	ix := indexer.New(provider, embedSvc, cacheSvc, cfg.Indexer)

	deps := server.Deps{
		Provider:   provider,
		Admin:      admin,
		Cache:      cacheSvc,
		Embedder:   embedSvc,
		Indexer:    ix,
		Governance: governance,
		Sessions:   sessions,
		Predictor:  loader,
		Tracker:    tracker,
		Extractor:  patterns.NewFactExtractor(governance),
	}

	cleanup := func() {
		if err := provider.Close(); err != nil {
			slog.Warn("Failed to close vector store", "error", err)
		}
		if err := cacheSvc.Close(); err != nil {
			slog.Warn("Failed to close cache", "error", err)
		}
	}
	return deps, cleanup, nil
}

func newServer(cfg *config.Config, deps server.Deps) (*server.Server, error) {
	return server.New(cfg.Server, deps)
}

func runIndex(ctx context.Context, deps server.Deps, project, path string, force bool) error {
	return deps.Indexer.Run(ctx, indexer.RunRequest{
		Project: project,
		Path:    path,
		Force:   force,
	})
}
