package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/config"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/memory"
	"github.com/quarry-ai/quarry/vector"
)

// stubEmbedder returns length-based vectors: every pair of texts is highly
// similar, which keeps recall and merge paths active without a real model.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = s.Embed(ctx, text)
	}
	return out, nil
}

func (s stubEmbedder) EmbedFull(ctx context.Context, text string) (*embedder.Embedding, error) {
	dense, _ := s.Embed(ctx, text)
	return &embedder.Embedding{Dense: dense, Sparse: &vector.SparseVector{}}, nil
}

func (s stubEmbedder) EmbedBatchFull(ctx context.Context, texts []string) ([]*embedder.Embedding, error) {
	out := make([]*embedder.Embedding, len(texts))
	for i, text := range texts {
		out[i], _ = s.EmbedFull(ctx, text)
	}
	return out, nil
}

func (stubEmbedder) Dimension() int { return 2 }

type managerHarness struct {
	manager  *Manager
	provider *vector.MemStore
	store    *memory.Store
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheSvc := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cacheSvc.Close() })

	embSvc, err := embedder.NewService(stubEmbedder{}, cacheSvc)
	require.NoError(t, err)

	provider := vector.NewMemStore()
	store, err := memory.NewStore(provider, embSvc)
	require.NoError(t, err)
	governance, err := memory.NewGovernance(store, provider, embSvc, nil)
	require.NoError(t, err)

	cfg := config.SessionConfig{
		StaleAfter:    2 * time.Hour,
		ResumeWindow:  24 * time.Hour,
		MergeInterval: time.Hour,
	}
	manager, err := NewManager(provider, cacheSvc, embSvc, governance, store, nil, nil, cfg)
	require.NoError(t, err)

	return &managerHarness{manager: manager, provider: provider, store: store}
}

const sessionsCollection = "proj_sessions"

// seedSession writes a session point directly into the provider, bypassing
// the manager, to simulate sessions from earlier process lifetimes.
func (h *managerHarness) seedSession(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, h.provider.Upsert(context.Background(), sessionsCollection, []vector.Point{
		{ID: s.SessionID, Vector: []float32{1, 0}, Payload: sessionPayload(s)},
	}))
}

func TestStartCreatesActiveSession(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	result, err := h.manager.Start(ctx, StartOptions{Project: "proj"})
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	assert.Equal(t, StatusActive, result.Session.Status)
	assert.NotEmpty(t, result.Session.SessionID)

	loaded, err := h.manager.Get(ctx, "proj", result.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.Session.SessionID, loaded.SessionID)
}

func TestStartRequiresProject(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.Start(context.Background(), StartOptions{})
	assert.Error(t, err)
}

func TestStartReapsStaleAndResumes(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	threeHoursAgo := time.Now().UTC().Add(-3 * time.Hour)
	h.seedSession(t, &Session{
		SessionID:      "old-session",
		ProjectName:    "proj",
		StartedAt:      threeHoursAgo,
		LastActivityAt: threeHoursAgo,
		Status:         StatusActive,
		CurrentFiles:   []string{"auth.go", "middleware.go"},
		RecentQueries:  []string{"q1", "q2", "q3", "q4", "q5", "q6", "q7"},
		ActiveFeatures: []string{"auth"},
	})

	result, err := h.manager.Start(ctx, StartOptions{Project: "proj"})
	require.NoError(t, err)
	s := result.Session

	// The crashed session was reaped on the way in.
	old, err := h.manager.Get(ctx, "proj", "old-session")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, old.Status)
	assert.Equal(t, "stale_cleanup", old.Metadata["endReason"])

	// Its working context carried over: files, features and the last five
	// queries.
	assert.Equal(t, "old-session", s.Metadata["resumedFrom"])
	assert.Equal(t, []string{"auth.go", "middleware.go"}, s.CurrentFiles)
	assert.Equal(t, []string{"q3", "q4", "q5", "q6", "q7"}, s.RecentQueries)
	assert.Equal(t, []string{"auth"}, s.ActiveFeatures)
}

func TestStartSkipsSessionsOutsideResumeWindow(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	dayAndOneHourAgo := time.Now().UTC().Add(-25 * time.Hour)
	h.seedSession(t, &Session{
		SessionID:      "ancient",
		ProjectName:    "proj",
		StartedAt:      dayAndOneHourAgo,
		LastActivityAt: dayAndOneHourAgo,
		Status:         StatusEnded,
		CurrentFiles:   []string{"legacy.go"},
	})

	result, err := h.manager.Start(ctx, StartOptions{Project: "proj"})
	require.NoError(t, err)
	assert.Nil(t, result.Session.Metadata["resumedFrom"])
	assert.Empty(t, result.Session.CurrentFiles)
}

func TestStartExtractsEntitiesFromInitialContext(t *testing.T) {
	h := newManagerHarness(t)

	result, err := h.manager.Start(context.Background(), StartOptions{
		Project:        "proj",
		InitialContext: "Refactoring cache/multilevel.go around the AuthMiddleware flow",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Session.CurrentFiles, "cache/multilevel.go")
	assert.Contains(t, result.Session.ActiveFeatures, "AuthMiddleware")
}

func TestAddActivityBoundsQueues(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	result, err := h.manager.Start(ctx, StartOptions{Project: "proj"})
	require.NoError(t, err)
	id := result.Session.SessionID

	var s *Session
	for i := 0; i < 25; i++ {
		s, err = h.manager.AddActivity(ctx, "proj", id, Activity{
			Type: ActivityFile, Value: fmt.Sprintf("file%d.go", i),
		})
		require.NoError(t, err)
	}
	require.Len(t, s.CurrentFiles, 20)
	assert.Equal(t, "file5.go", s.CurrentFiles[0])
	assert.Equal(t, "file24.go", s.CurrentFiles[19])

	// Re-touching a file moves it to the end without growing the list.
	s, err = h.manager.AddActivity(ctx, "proj", id, Activity{Type: ActivityFile, Value: "file10.go"})
	require.NoError(t, err)
	require.Len(t, s.CurrentFiles, 20)
	assert.Equal(t, "file10.go", s.CurrentFiles[19])

	// Tools are a set.
	_, err = h.manager.AddActivity(ctx, "proj", id, Activity{Type: ActivityTool, Value: "search_codebase"})
	require.NoError(t, err)
	s, err = h.manager.AddActivity(ctx, "proj", id, Activity{Type: ActivityTool, Value: "search_codebase"})
	require.NoError(t, err)
	assert.Equal(t, []string{"search_codebase"}, s.ToolsUsed)
}

func TestAddActivityRejectsUnknownType(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	result, err := h.manager.Start(ctx, StartOptions{Project: "proj"})
	require.NoError(t, err)

	_, err = h.manager.AddActivity(ctx, "proj", result.Session.SessionID, Activity{
		Type: "telepathy", Value: "x",
	})
	assert.Error(t, err)
}

func TestEndSavesLearningsThroughGovernance(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	result, err := h.manager.Start(ctx, StartOptions{Project: "proj"})
	require.NoError(t, err)
	id := result.Session.SessionID

	for _, learning := range []string{
		"the indexer must invalidate search caches after every run",
		"miniredis does not advance TTLs without FastForward",
	} {
		_, err = h.manager.AddActivity(ctx, "proj", id, Activity{Type: ActivityLearning, Value: learning})
		require.NoError(t, err)
	}
	_, err = h.manager.AddActivity(ctx, "proj", id, Activity{
		Type: ActivityDecision, Value: "we keep session queues bounded at the struct level",
	})
	require.NoError(t, err)

	ended, err := h.manager.End(ctx, "proj", id, EndOptions{
		AutoSaveLearnings: true,
		Feedback:          "good session",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	assert.Equal(t, "good session", ended.Metadata["feedback"])
	assert.NotNil(t, ended.Metadata["durationSeconds"])

	// Learnings and decisions arrive as auto-sourced entries: cold-start
	// threshold 0.5, confidence 0.7, so all three land in quarantine.
	n, err := h.provider.Count(ctx, "proj_memory_pending", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestBuildBriefingDedupesAcrossQueries(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	_, err := h.store.Remember(ctx, "proj", memory.Memory{
		Type:    memory.TypeDecision,
		Content: "auth tokens are validated in middleware, not handlers",
	})
	require.NoError(t, err)

	s := &Session{
		SessionID:      "s1",
		ProjectName:    "proj",
		ActiveFeatures: []string{"AuthMiddleware"},
		RecentQueries:  []string{"token validation"},
	}

	briefing := h.manager.buildBriefing(ctx, s)
	require.NotEmpty(t, briefing)
	assert.Contains(t, briefing, "[decision]")
	// Both queries recall the same memory; it appears once.
	assert.Equal(t, 1, strings.Count(briefing, "auth tokens are validated"))
}

func TestBuildBriefingSummarizesSessionActivity(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	_, err := h.store.Remember(ctx, "proj", memory.Memory{
		Type:    memory.TypeDecision,
		Content: "auth tokens are validated in middleware, not handlers",
	})
	require.NoError(t, err)

	s := &Session{
		SessionID:      "s1",
		ProjectName:    "proj",
		ActiveFeatures: []string{"AuthMiddleware", "TokenRefresh"},
		CurrentFiles:   []string{"auth.go", "token.go"},
		RecentQueries:  []string{"token validation"},
	}

	briefing := h.manager.buildBriefing(ctx, s)
	require.NotEmpty(t, briefing)
	assert.Contains(t, briefing, "working on AuthMiddleware, TokenRefresh")
	assert.Contains(t, briefing, "2 files in recent focus")
	assert.Contains(t, briefing, "Relevant memories:")
}

func TestBuildBriefingWithoutMemoriesKeepsActivitySummary(t *testing.T) {
	h := newManagerHarness(t)

	s := &Session{
		SessionID:      "s1",
		ProjectName:    "proj",
		ActiveFeatures: []string{"checkout"},
	}

	briefing := h.manager.buildBriefing(context.Background(), s)
	require.NotEmpty(t, briefing)
	assert.Contains(t, briefing, "working on checkout")
	assert.NotContains(t, briefing, "Relevant memories:")
}

func TestSessionPayloadRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	s := &Session{
		SessionID:      "s1",
		ProjectName:    "proj",
		StartedAt:      now.Add(-time.Hour),
		LastActivityAt: now,
		Status:         StatusActive,
		CurrentFiles:   []string{"a.go"},
		RecentQueries:  []string{"q1", "q2"},
		ToolsUsed:      []string{"search_codebase"},
		Metadata:       map[string]any{"resumedFrom": "s0"},
	}

	rebuilt := sessionFromPayload(sessionPayload(s))
	assert.Equal(t, s.SessionID, rebuilt.SessionID)
	assert.Equal(t, s.ProjectName, rebuilt.ProjectName)
	assert.Equal(t, s.Status, rebuilt.Status)
	assert.True(t, s.StartedAt.Equal(rebuilt.StartedAt))
	assert.Equal(t, s.CurrentFiles, rebuilt.CurrentFiles)
	assert.Equal(t, s.RecentQueries, rebuilt.RecentQueries)
	assert.Equal(t, "s0", rebuilt.Metadata["resumedFrom"])
}
