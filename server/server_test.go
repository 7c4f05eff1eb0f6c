package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/config"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/gates"
	"github.com/quarry-ai/quarry/indexer"
	"github.com/quarry-ai/quarry/memory"
	"github.com/quarry-ai/quarry/patterns"
	"github.com/quarry-ai/quarry/session"
	"github.com/quarry-ai/quarry/vector"
)

// stubEmbedder maps text to a deterministic two-dimensional vector. When gate
// is set, batch calls block until it is closed, which lets tests hold an
// index run open.
type stubEmbedder struct {
	gate chan struct{}
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.gate != nil {
		<-e.gate
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text)
	}
	return out, nil
}

func (e *stubEmbedder) EmbedFull(ctx context.Context, text string) (*embedder.Embedding, error) {
	dense, _ := e.Embed(ctx, text)
	return &embedder.Embedding{Dense: dense, Sparse: &vector.SparseVector{}}, nil
}

func (e *stubEmbedder) EmbedBatchFull(ctx context.Context, texts []string) ([]*embedder.Embedding, error) {
	out := make([]*embedder.Embedding, len(texts))
	for i, text := range texts {
		out[i], _ = e.EmbedFull(ctx, text)
	}
	return out, nil
}

func (*stubEmbedder) Dimension() int { return 2 }

type failingGates struct{}

func (failingGates) Run(context.Context, gates.RunRequest) (*gates.RunResult, error) {
	return &gates.RunResult{
		Passed: false,
		Gates:  []gates.GateResult{{Gate: "tests", Passed: false, Details: "2 failures"}},
	}, nil
}

type serverHarness struct {
	srv      *Server
	provider *vector.MemStore
	cache    *cache.Service
	embed    *stubEmbedder
}

// newTestServer wires the full service graph over in-memory backends. mutate
// adjusts the dependency set before the server is built.
func newTestServer(t *testing.T, runner gates.Runner, mutate func(*Deps)) *serverHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheSvc := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cacheSvc.Close() })

	embed := &stubEmbedder{}
	embSvc, err := embedder.NewService(embed, cacheSvc)
	require.NoError(t, err)

	provider := vector.NewMemStore()
	store, err := memory.NewStore(provider, embSvc)
	require.NoError(t, err)
	governance, err := memory.NewGovernance(store, provider, embSvc, runner)
	require.NoError(t, err)

	sessions, err := session.NewManager(provider, cacheSvc, embSvc, governance, store, nil, nil, config.SessionConfig{
		StaleAfter:    2 * time.Hour,
		ResumeWindow:  24 * time.Hour,
		MergeInterval: time.Hour,
	})
	require.NoError(t, err)

	tracker, err := patterns.NewTracker(provider, embSvc)
	require.NoError(t, err)

	deps := Deps{
		Provider: provider,
		Cache:    cacheSvc,
		Embedder: embSvc,
		Indexer: indexer.New(provider, embSvc, cacheSvc, config.IndexerConfig{
			IncludePatterns: []string{"*.go"},
			ChunkSize:       200,
			FileBatchSize:   5,
			EmbedBatchSize:  10,
		}),
		Governance: governance,
		Sessions:   sessions,
		Tracker:    tracker,
		Extractor:  patterns.NewFactExtractor(governance),
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second}, deps)
	require.NoError(t, err)
	return &serverHarness{srv: srv, provider: provider, cache: cacheSvc, embed: embed}
}

// do issues one request against the router and decodes nothing.
func (h *serverHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, nil, nil)
	rec := h.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeJSON(t, rec)["status"])
}

func TestIndexAcceptsAndRejectsConcurrentRuns(t *testing.T) {
	h := newTestServer(t, nil, nil)
	h.embed.gate = make(chan struct{})

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"),
		[]byte("package main\n\nfunc main() { println(\"quarry\") }\n"), 0o644))

	rec := h.do(t, http.MethodPost, "/api/index", map[string]any{"project": "demo", "path": root})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "demo_codebase", decodeJSON(t, rec)["collection"])

	rec = h.do(t, http.MethodPost, "/api/index", map[string]any{"project": "demo", "path": root})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_indexing", decodeJSON(t, rec)["error"])

	close(h.embed.gate)
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/index/status/demo_codebase", nil)
		return decodeJSON(t, rec)["status"] == indexer.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIndexRequiresProjectAndPath(t *testing.T) {
	h := newTestServer(t, nil, nil)

	rec := h.do(t, http.MethodPost, "/api/index", map[string]any{"path": "/tmp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/index", map[string]any{"project": "demo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexStatusIdleForUnknownProject(t *testing.T) {
	h := newTestServer(t, nil, nil)
	rec := h.do(t, http.MethodGet, "/api/index/status/nowhere_codebase", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, indexer.StatusIdle, decodeJSON(t, rec)["status"])
}

func TestSearchServesFromSessionCacheOnRepeat(t *testing.T) {
	h := newTestServer(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, h.provider.Upsert(ctx, "proj_codebase", []vector.Point{
		{ID: "1", Vector: []float32{20, 1}, Payload: map[string]any{"file": "cache/multilevel.go"}},
		{ID: "2", Vector: []float32{24, 1}, Payload: map[string]any{"file": "cache/warm.go"}},
	}))

	body := map[string]any{"project": "proj", "query": "cache promotion", "sessionId": "s1"}
	rec := h.do(t, http.MethodPost, "/api/search", body)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeJSON(t, rec)
	assert.Len(t, first["results"], 2)
	assert.NotContains(t, first, "cached")

	rec = h.do(t, http.MethodPost, "/api/search", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeJSON(t, rec)
	assert.Equal(t, string(cache.LevelSession), second["cached"])
	assert.Len(t, second["results"], 2)
}

func TestSearchRequiresQuery(t *testing.T) {
	h := newTestServer(t, nil, nil)
	rec := h.do(t, http.MethodPost, "/api/search", map[string]any{"project": "proj"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecommendRequiresPositiveExamples(t *testing.T) {
	h := newTestServer(t, nil, nil)
	rec := h.do(t, http.MethodPost, "/api/recommend", map[string]any{"project": "proj"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoryIngestManualLandsDurable(t *testing.T) {
	h := newTestServer(t, nil, nil)

	rec := h.do(t, http.MethodPost, "/api/memory", map[string]any{
		"project": "proj",
		"content": "The indexer reconciles deletions against the hash index.",
		"type":    "insight",
		"source":  "manual",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, true, body["validated"])

	n, err := h.provider.Count(context.Background(), "proj_agent_memory", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

// ingestAuto parks one auto-sourced entry in quarantine and returns its id.
func (h *serverHarness) ingestAuto(t *testing.T, content string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/memory", map[string]any{
		"project":    "proj",
		"content":    content,
		"type":       "insight",
		"source":     "auto_conversation",
		"confidence": 0.9,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ := decodeJSON(t, rec)["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestPromoteMovesQuarantineEntry(t *testing.T) {
	h := newTestServer(t, nil, nil)
	id := h.ingestAuto(t, "Session briefings dedupe recalled memories across queries.")

	rec := h.do(t, http.MethodPost, "/api/memory/promote", map[string]any{
		"project": "proj", "id": id, "reason": "verified in review",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	promoted := decodeJSON(t, rec)
	assert.Equal(t, true, promoted["validated"])
	assert.NotEqual(t, id, promoted["id"])

	rec = h.do(t, http.MethodGet, "/api/memory/quarantine?project=proj", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeJSON(t, rec)["entries"])

	rec = h.do(t, http.MethodPost, "/api/memory/recall-durable", map[string]any{
		"project": "proj", "query": "session briefings",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeJSON(t, rec)["memories"])
}

func TestPromoteUnknownEntryIs404(t *testing.T) {
	h := newTestServer(t, nil, nil)
	rec := h.do(t, http.MethodPost, "/api/memory/promote", map[string]any{
		"project": "proj", "id": "missing", "reason": "r",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromoteGateFailureIs422WithDetails(t *testing.T) {
	h := newTestServer(t, failingGates{}, nil)
	id := h.ingestAuto(t, "The watcher debounce swallows rapid rename bursts.")

	rec := h.do(t, http.MethodPost, "/api/memory/promote", map[string]any{
		"project": "proj", "id": id, "reason": "r", "runGates": true, "projectPath": ".",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeJSON(t, rec)
	assert.Contains(t, body["error"], "quality gates failed")
	assert.NotNil(t, body["details"])

	// The entry stays quarantined.
	rec = h.do(t, http.MethodGet, "/api/memory/quarantine?project=proj", nil)
	assert.Len(t, decodeJSON(t, rec)["entries"], 1)
}

func TestRejectQuarantineEntry(t *testing.T) {
	h := newTestServer(t, nil, nil)
	id := h.ingestAuto(t, "Prefetch predictions floor at a confidence of 0.6.")

	rec := h.do(t, http.MethodDelete, "/api/memory/quarantine/"+id+"?project=proj", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeJSON(t, rec)["rejected"])

	rec = h.do(t, http.MethodDelete, "/api/memory/quarantine/"+id+"?project=proj", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t, nil, nil)

	rec := h.do(t, http.MethodPost, "/api/session/start", map[string]any{"project": "proj"})
	require.Equal(t, http.StatusOK, rec.Code)
	var started struct {
		Session session.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	id := started.Session.SessionID
	require.NotEmpty(t, id)
	assert.Equal(t, session.StatusActive, started.Session.Status)

	rec = h.do(t, http.MethodPost, "/api/session/"+id+"/activity", map[string]any{
		"project": "proj", "type": "file", "value": "indexer/indexer.go",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Contains(t, updated.CurrentFiles, "indexer/indexer.go")

	rec = h.do(t, http.MethodPost, "/api/session/"+id+"/activity", map[string]any{
		"project": "proj", "type": "bogus", "value": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/session/"+id+"/end", map[string]any{
		"project": "proj", "feedback": "done",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var ended session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ended))
	assert.Equal(t, session.StatusEnded, ended.Status)

	rec = h.do(t, http.MethodPost, "/api/session/nope/end", map[string]any{"project": "proj"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheEndpoints(t *testing.T) {
	h := newTestServer(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, h.cache.SetSearch(ctx, "s1", "proj",
		cache.SearchCacheKey("proj_codebase", "q", ""), []vector.Result{{ID: "1"}}))

	rec := h.do(t, http.MethodPost, "/api/cache/warm", map[string]any{
		"project": "proj", "sessionId": "s2", "previousSessionId": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "warmed", decodeJSON(t, rec)["status"])

	rec = h.do(t, http.MethodPost, "/api/cache/prune", map[string]any{"pattern": "sess:s1:*"})
	require.Equal(t, http.StatusOK, rec.Code)
	deleted, _ := decodeJSON(t, rec)["deleted"].(float64)
	assert.GreaterOrEqual(t, deleted, 1.0)

	rec = h.do(t, http.MethodGet, "/api/cache/session/s2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageRecordAndReport(t *testing.T) {
	h := newTestServer(t, nil, nil)

	rec := h.do(t, http.MethodPost, "/api/usage", map[string]any{
		"projectName": "proj", "toolName": "search_codebase", "success": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/usage/proj", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeJSON(t, rec)
	byTool, ok := report["byTool"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, byTool["search_codebase"])
}

func TestUsageNotConfiguredIs501(t *testing.T) {
	h := newTestServer(t, nil, func(d *Deps) { d.Tracker = nil })

	rec := h.do(t, http.MethodPost, "/api/usage", map[string]any{
		"projectName": "proj", "toolName": "t",
	})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/usage/proj", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestFactsEndpointRoutesThroughGovernance(t *testing.T) {
	h := newTestServer(t, nil, nil)

	rec := h.do(t, http.MethodPost, "/api/facts", map[string]any{
		"project": "proj",
		"text":    "We decided to keep the search cache at two levels only.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeJSON(t, rec)["accepted"])

	rec = h.do(t, http.MethodGet, "/api/memory/quarantine?project=proj", nil)
	assert.Len(t, decodeJSON(t, rec)["entries"], 1)
}

func TestFactsNotConfiguredIs501(t *testing.T) {
	h := newTestServer(t, nil, func(d *Deps) { d.Extractor = nil })
	rec := h.do(t, http.MethodPost, "/api/facts", map[string]any{"project": "proj", "text": "t"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAliasOperationsUnsupportedWithoutAdmin(t *testing.T) {
	h := newTestServer(t, nil, nil)
	rec := h.do(t, http.MethodGet, "/api/aliases", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMalformedJSONBodyIs400(t *testing.T) {
	h := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
