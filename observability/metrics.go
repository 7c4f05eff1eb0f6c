// Package observability holds the Prometheus metric set for the service.
// Metrics are best-effort operational signals, not authoritative state.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration observes request latency by method/route/status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarry_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// CacheHits counts embedding cache hits by level (l1, l2, l3).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_cache_hits_total",
		Help: "Embedding cache hits by level",
	}, []string{"level"})

	// CacheMisses counts embedding cache misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_cache_misses_total",
		Help: "Embedding cache misses",
	})

	// SearchCacheHits counts search cache hits by level (l1, l2).
	SearchCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_search_cache_hits_total",
		Help: "Search cache hits by level",
	}, []string{"level"})

	// EmbedRequests counts provider embedding calls by outcome.
	EmbedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_embed_requests_total",
		Help: "Embedding provider requests by outcome",
	}, []string{"outcome"})

	// IngestTotal counts memory ingests by route (durable, quarantine,
	// skipped).
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_memory_ingest_total",
		Help: "Memory ingests by route",
	}, []string{"route"})

	// PromotionsTotal counts quarantine promotions by outcome.
	PromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_memory_promotions_total",
		Help: "Quarantine promotions by outcome",
	}, []string{"outcome"})

	// IndexedChunks counts chunks upserted by the indexer.
	IndexedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_indexed_chunks_total",
		Help: "Chunks upserted by the indexer",
	})

	// IndexRuns counts indexing runs by terminal state.
	IndexRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_index_runs_total",
		Help: "Indexing runs by terminal state",
	}, []string{"state"})

	// PrefetchPredictions counts predictions generated by strategy.
	PrefetchPredictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_prefetch_predictions_total",
		Help: "Predictions generated by strategy",
	}, []string{"strategy"})

	// PrefetchFailures counts prefetch warm failures.
	PrefetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_prefetch_failures_total",
		Help: "Prediction prefetch failures",
	})

	// SessionsReaped counts stale sessions ended by the reaper.
	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quarry_sessions_reaped_total",
		Help: "Stale sessions ended by the reaper",
	})

	// AutoMerges counts auto-merge cluster merges by outcome.
	AutoMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_memory_automerge_total",
		Help: "Auto-merge cluster merges by outcome",
	}, []string{"outcome"})
)
