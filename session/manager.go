package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/cache"
	"github.com/quarry-ai/quarry/config"
	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/llm"
	"github.com/quarry-ai/quarry/memory"
	"github.com/quarry-ai/quarry/observability"
	"github.com/quarry-ai/quarry/vector"
)

const (
	// sessionScanPage bounds one scroll page over the sessions collection.
	sessionScanPage = 100

	// resumeQueryCount is how many of the previous session's queries carry
	// into a resumed session.
	resumeQueryCount = 5

	// briefingQueryCount is how many recent queries feed the briefing recall.
	briefingQueryCount = 3

	// backgroundBudget bounds detached post-start work (prefetch, merge).
	backgroundBudget = 2 * time.Minute
)

// Ingestor accepts memory writes. Implemented by memory.Governance.
type Ingestor interface {
	Ingest(ctx context.Context, req memory.IngestRequest) (*memory.Memory, error)
}

// Recaller searches durable memories. Implemented by memory.Store.
type Recaller interface {
	Recall(ctx context.Context, project, query string, opts memory.RecallOptions) ([]memory.Recalled, error)
}

// Prefetcher warms caches from session state. Implemented by
// predictor.Loader.
type Prefetcher interface {
	Prefetch(ctx context.Context, project, sessionID string, files, queries, tools, features []string)
}

// Manager owns session lifecycle and the background flows it triggers.
type Manager struct {
	provider   vector.Provider
	cache      *cache.Service
	embedder   *embedder.Service
	memories   Ingestor
	recaller   Recaller
	llm        llm.Client
	prefetcher Prefetcher
	cfg        config.SessionConfig

	mu        sync.Mutex
	lastMerge map[string]time.Time
}

// NewManager creates a session manager. The LLM client and prefetcher are
// optional; without them end-of-session analysis and prefetch are skipped.
func NewManager(provider vector.Provider, c *cache.Service, emb *embedder.Service, memories Ingestor, recaller Recaller, llmClient llm.Client, prefetcher Prefetcher, cfg config.SessionConfig) (*Manager, error) {
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if memories == nil {
		return nil, fmt.Errorf("memory ingestor is required")
	}
	return &Manager{
		provider:   provider,
		cache:      c,
		embedder:   emb,
		memories:   memories,
		recaller:   recaller,
		llm:        llmClient,
		prefetcher: prefetcher,
		cfg:        cfg,
		lastMerge:  make(map[string]time.Time),
	}, nil
}

// StartOptions configures a session start.
type StartOptions struct {
	Project        string         `json:"project"`
	SessionID      string         `json:"sessionId,omitempty"`
	ResumeFrom     string         `json:"resumeFrom,omitempty"`
	InitialContext string         `json:"initialContext,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// StartResult is the started session plus its best-effort briefing.
type StartResult struct {
	Session  *Session `json:"session"`
	Briefing string   `json:"briefing,omitempty"`
}

// Start creates a session, reaping stale ones for the project and resuming
// from a recent session when available. Prefetch and auto-merge run detached;
// the briefing is best-effort.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*StartResult, error) {
	if opts.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	if err := m.reapStale(ctx, opts.Project); err != nil {
		slog.Warn("Stale session reaping failed", "project", opts.Project, "error", err)
	}

	now := time.Now().UTC()
	s := &Session{
		SessionID:      id,
		ProjectName:    opts.Project,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
		Metadata:       opts.Metadata,
	}

	previous := m.resumeSource(ctx, opts.Project, opts.ResumeFrom, id)
	if previous != nil {
		s.CurrentFiles = append([]string(nil), previous.CurrentFiles...)
		if n := len(previous.RecentQueries); n > 0 {
			start := n - resumeQueryCount
			if start < 0 {
				start = 0
			}
			s.RecentQueries = append([]string(nil), previous.RecentQueries[start:]...)
		}
		s.ActiveFeatures = append([]string(nil), previous.ActiveFeatures...)
		s.Decisions = append([]string(nil), previous.Decisions...)
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata["resumedFrom"] = previous.SessionID
	}

	if opts.InitialContext != "" {
		entities := extractEntities(opts.InitialContext)
		for _, f := range entities.files {
			s.addFile(f)
		}
		for _, f := range entities.features {
			s.addFeature(f)
		}
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}

	go m.afterStart(s, previous)

	briefing := m.buildBriefing(ctx, s)
	return &StartResult{Session: s, Briefing: briefing}, nil
}

// afterStart runs the detached post-start flows on their own budget.
func (m *Manager) afterStart(s *Session, previous *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundBudget)
	defer cancel()

	if previous != nil {
		m.cache.WarmSession(ctx, s.ProjectName, s.SessionID, previous.SessionID, s.RecentQueries)
	}
	if m.prefetcher != nil {
		m.prefetcher.Prefetch(ctx, s.ProjectName, s.SessionID,
			s.CurrentFiles, s.RecentQueries, s.ToolsUsed, s.ActiveFeatures)
	}
	m.maybeAutoMerge(ctx, s.ProjectName)
}

// Get loads a session, preferring the cache.
func (m *Manager) Get(ctx context.Context, project, sessionID string) (*Session, error) {
	var s Session
	found, err := m.cache.GetJSON(ctx, cache.SessionContextKey(project, sessionID), &s)
	if err == nil && found {
		return &s, nil
	}

	collection := vector.CollectionName(project, vector.SuffixSessions)
	page, err := m.provider.Scroll(ctx, collection, vector.Filter{"sessionId": sessionID}, 1, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(page.Points) == 0 {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return sessionFromPayload(page.Points[0].Payload), nil
}

// Activity is one session activity event.
type Activity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Activity types.
const (
	ActivityFile     = "file"
	ActivityQuery    = "query"
	ActivityFeature  = "feature"
	ActivityTool     = "tool"
	ActivityLearning = "learning"
	ActivityDecision = "decision"
)

// AddActivity applies one activity with the bounded queue semantics and
// triggers a background prefetch.
func (m *Manager) AddActivity(ctx context.Context, project, sessionID string, act Activity) (*Session, error) {
	s, err := m.Get(ctx, project, sessionID)
	if err != nil {
		return nil, err
	}

	switch act.Type {
	case ActivityFile:
		s.addFile(act.Value)
	case ActivityQuery:
		s.addQuery(act.Value)
	case ActivityFeature:
		s.addFeature(act.Value)
	case ActivityTool:
		s.addTool(act.Value)
	case ActivityLearning:
		s.PendingLearnings = append(s.PendingLearnings, act.Value)
	case ActivityDecision:
		s.Decisions = append(s.Decisions, act.Value)
	default:
		return nil, fmt.Errorf("unknown activity type %q", act.Type)
	}
	s.touch()

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}

	if m.prefetcher != nil {
		go func(snapshot Session) {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundBudget)
			defer cancel()
			m.prefetcher.Prefetch(ctx, snapshot.ProjectName, snapshot.SessionID,
				snapshot.CurrentFiles, snapshot.RecentQueries, snapshot.ToolsUsed, snapshot.ActiveFeatures)
		}(*s)
	}
	return s, nil
}

// EndOptions configures a session end.
type EndOptions struct {
	Feedback            string `json:"feedback,omitempty"`
	Summary             string `json:"summary,omitempty"`
	AutoSaveLearnings   bool   `json:"autoSaveLearnings,omitempty"`
	AnalyzeConversation bool   `json:"analyzeConversation,omitempty"`
}

// End closes the session: pending learnings and decisions flow through
// memory governance as auto-sourced entries, an optional conversation
// analysis runs over recent queries, and the session cache is cleared.
func (m *Manager) End(ctx context.Context, project, sessionID string, opts EndOptions) (*Session, error) {
	s, err := m.Get(ctx, project, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	duration := now.Sub(s.StartedAt)

	if opts.AutoSaveLearnings {
		m.saveLearnings(ctx, s)
	}
	if opts.AnalyzeConversation && m.llm != nil {
		m.analyzeConversation(ctx, s)
	}

	s.Status = StatusEnded
	s.EndedAt = now
	s.touch()
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata["durationSeconds"] = int(duration.Seconds())
	if opts.Feedback != "" {
		s.Metadata["feedback"] = opts.Feedback
	}
	if opts.Summary != "" {
		s.Metadata["summary"] = opts.Summary
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	if err := m.cache.ClearSession(ctx, sessionID); err != nil {
		slog.Warn("Failed to clear session cache", "sessionId", sessionID, "error", err)
	}
	return s, nil
}

// saveLearnings pushes pending learnings and decisions through governance.
// Auto-source ingest never raises, so this loop cannot fail the end call.
func (m *Manager) saveLearnings(ctx context.Context, s *Session) {
	for _, learning := range s.PendingLearnings {
		_, err := m.memories.Ingest(ctx, memory.IngestRequest{
			Project:    s.ProjectName,
			Content:    learning,
			Type:       memory.TypeInsight,
			Source:     memory.SourceAutoConversation,
			Confidence: 0.7,
			Metadata:   map[string]any{"sessionId": s.SessionID},
		})
		if err != nil {
			slog.Warn("Failed to save learning", "sessionId", s.SessionID, "error", err)
		}
	}
	for _, decision := range s.Decisions {
		_, err := m.memories.Ingest(ctx, memory.IngestRequest{
			Project:    s.ProjectName,
			Content:    decision,
			Type:       memory.TypeDecision,
			Source:     memory.SourceAutoConversation,
			Confidence: 0.7,
			Metadata:   map[string]any{"sessionId": s.SessionID},
		})
		if err != nil {
			slog.Warn("Failed to save decision", "sessionId", s.SessionID, "error", err)
		}
	}
}

// analyzeConversation asks the LLM for insights over the last ten queries
// and ingests any it finds. Best-effort.
func (m *Manager) analyzeConversation(ctx context.Context, s *Session) {
	queries := s.RecentQueries
	if len(queries) > 10 {
		queries = queries[len(queries)-10:]
	}
	if len(queries) == 0 {
		return
	}

	prompt := "Recent queries from a coding session:\n"
	for _, q := range queries {
		prompt += "- " + q + "\n"
	}
	prompt += "\nRespond with a JSON array of short strings, each one insight about what the developer is working on. Respond with [] if nothing stands out."

	completion, err := m.llm.Complete(ctx, prompt, llm.CompleteOptions{
		SystemPrompt: "You extract concise working-context insights from developer activity.",
		MaxTokens:    512,
		Temperature:  0.2,
	})
	if err != nil {
		slog.Warn("Conversation analysis failed", "sessionId", s.SessionID, "error", err)
		return
	}

	var insights []string
	if !llm.DecodeInto(completion.Text, &insights) {
		return
	}
	for _, insight := range insights {
		_, err := m.memories.Ingest(ctx, memory.IngestRequest{
			Project:    s.ProjectName,
			Content:    insight,
			Type:       memory.TypeInsight,
			Source:     memory.SourceAutoConversation,
			Confidence: 0.65,
			Metadata:   map[string]any{"sessionId": s.SessionID, "analysis": true},
		})
		if err != nil {
			slog.Warn("Failed to ingest analysis insight", "sessionId", s.SessionID, "error", err)
		}
	}
}

// reapStale ends active sessions whose last activity is older than the stale
// window.
func (m *Manager) reapStale(ctx context.Context, project string) error {
	collection := vector.CollectionName(project, vector.SuffixSessions)
	cutoff := time.Now().UTC().Add(-m.cfg.StaleAfter)

	offset := ""
	for {
		page, err := m.provider.Scroll(ctx, collection, vector.Filter{"status": StatusActive}, sessionScanPage, offset)
		if err != nil {
			return err
		}
		for _, p := range page.Points {
			s := sessionFromPayload(p.Payload)
			if s.LastActivityAt.After(cutoff) {
				continue
			}
			s.Status = StatusEnded
			s.EndedAt = time.Now().UTC()
			if s.Metadata == nil {
				s.Metadata = make(map[string]any)
			}
			s.Metadata["endReason"] = "stale_cleanup"
			if err := m.persist(ctx, s); err != nil {
				slog.Warn("Failed to reap stale session", "sessionId", s.SessionID, "error", err)
				continue
			}
			observability.SessionsReaped.Inc()
			slog.Info("Reaped stale session", "project", project, "sessionId", s.SessionID)
		}
		if page.NextOffset == "" {
			return nil
		}
		offset = page.NextOffset
	}
}

// resumeSource picks the session to resume from: explicit id, else the most
// recent session of any status started within the resume window.
func (m *Manager) resumeSource(ctx context.Context, project, explicit, selfID string) *Session {
	if explicit != "" {
		s, err := m.Get(ctx, project, explicit)
		if err != nil {
			slog.Warn("Explicit resume source not found", "project", project, "resumeFrom", explicit)
			return nil
		}
		return s
	}

	collection := vector.CollectionName(project, vector.SuffixSessions)
	cutoff := time.Now().UTC().Add(-m.cfg.ResumeWindow)

	var best *Session
	offset := ""
	for {
		page, err := m.provider.Scroll(ctx, collection, nil, sessionScanPage, offset)
		if err != nil {
			slog.Warn("Resume scan failed", "project", project, "error", err)
			return nil
		}
		for _, p := range page.Points {
			s := sessionFromPayload(p.Payload)
			if s.SessionID == selfID || s.StartedAt.Before(cutoff) {
				continue
			}
			if best == nil || s.StartedAt.After(best.StartedAt) {
				best = s
			}
		}
		if page.NextOffset == "" {
			return best
		}
		offset = page.NextOffset
	}
}

// buildBriefing combines a project-activity summary with top memories
// recalled for the session's features and recent queries. Best-effort; empty
// string on failure or nothing to report.
func (m *Manager) buildBriefing(ctx context.Context, s *Session) string {
	if m.recaller == nil {
		return ""
	}

	queries := append([]string(nil), s.ActiveFeatures...)
	recent := s.RecentQueries
	if len(recent) > briefingQueryCount {
		recent = recent[len(recent)-briefingQueryCount:]
	}
	queries = append(queries, recent...)
	if len(queries) == 0 {
		return ""
	}

	seen := make(map[string]bool)
	var lines []string
	for _, q := range queries {
		recalled, err := m.recaller.Recall(ctx, s.ProjectName, q, memory.RecallOptions{
			Limit:    3,
			MinScore: 0.6,
		})
		if err != nil {
			continue
		}
		for _, r := range recalled {
			if seen[r.Memory.ID] {
				continue
			}
			seen[r.Memory.ID] = true
			lines = append(lines, fmt.Sprintf("[%s] %s", r.Memory.Type, r.Memory.Content))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project %s", s.ProjectName)
	if len(s.ActiveFeatures) > 0 {
		fmt.Fprintf(&b, " — working on %s", strings.Join(s.ActiveFeatures, ", "))
	}
	if len(s.CurrentFiles) > 0 {
		fmt.Fprintf(&b, " (%d files in recent focus)", len(s.CurrentFiles))
	}
	b.WriteString("\n")

	if len(lines) == 0 {
		if len(s.ActiveFeatures) == 0 && len(s.CurrentFiles) == 0 {
			return ""
		}
		return b.String()
	}

	b.WriteString("Relevant memories:\n")
	for _, line := range lines {
		b.WriteString("- " + line + "\n")
	}
	return b.String()
}

// persist writes the session to the sessions collection and the cache. The
// collection point is keyed by session id; its vector is a cached embedding
// of a per-project descriptor because sessions are scrolled, never searched.
func (m *Manager) persist(ctx context.Context, s *Session) error {
	vec, err := m.embedder.Embed(ctx, "session context for "+s.ProjectName, embedder.Options{})
	if err != nil {
		return fmt.Errorf("failed to embed session descriptor: %w", err)
	}

	collection := vector.CollectionName(s.ProjectName, vector.SuffixSessions)
	point := vector.Point{
		ID:      s.SessionID,
		Vector:  vec,
		Payload: sessionPayload(s),
	}
	if err := m.provider.Upsert(ctx, collection, []vector.Point{point}); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	key := cache.SessionContextKey(s.ProjectName, s.SessionID)
	if err := m.cache.SetJSON(ctx, key, s, time.Hour); err != nil {
		slog.Warn("Failed to cache session context", "sessionId", s.SessionID, "error", err)
	}
	return nil
}
