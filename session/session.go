// Package session implements the session lifecycle: start with stale-reaping
// and auto-resume, bounded activity tracking, end-of-session learning capture
// and background auto-merge of durable memories.
package session

import (
	"time"
)

// Session statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
	StatusEnded  = "ended"
)

// Queue bounds. Files and queries are sliding windows; tools are a set;
// learnings and decisions grow unbounded within a session.
const (
	maxCurrentFiles  = 20
	maxRecentQueries = 50
)

// Session is the per-session working context. Queues hold strings only,
// never vectors.
type Session struct {
	SessionID        string         `json:"sessionId"`
	ProjectName      string         `json:"projectName"`
	StartedAt        time.Time      `json:"startedAt"`
	LastActivityAt   time.Time      `json:"lastActivityAt"`
	EndedAt          time.Time      `json:"endedAt,omitempty"`
	Status           string         `json:"status"`
	CurrentFiles     []string       `json:"currentFiles,omitempty"`
	RecentQueries    []string       `json:"recentQueries,omitempty"`
	ActiveFeatures   []string       `json:"activeFeatures,omitempty"`
	ToolsUsed        []string       `json:"toolsUsed,omitempty"`
	PendingLearnings []string       `json:"pendingLearnings,omitempty"`
	Decisions        []string       `json:"decisions,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// touch advances the activity clock, preserving lastActivityAt ≥ startedAt.
func (s *Session) touch() {
	now := time.Now().UTC()
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// addFile records a touched file, deduplicating and keeping the most recent
// twenty.
func (s *Session) addFile(file string) {
	s.CurrentFiles = appendBounded(s.CurrentFiles, file, maxCurrentFiles, true)
}

// addQuery records a query, keeping the most recent fifty.
func (s *Session) addQuery(query string) {
	s.RecentQueries = appendBounded(s.RecentQueries, query, maxRecentQueries, false)
}

// addTool records tool usage as set membership.
func (s *Session) addTool(tool string) {
	for _, t := range s.ToolsUsed {
		if t == tool {
			return
		}
	}
	s.ToolsUsed = append(s.ToolsUsed, tool)
}

// addFeature records an active feature as set membership.
func (s *Session) addFeature(feature string) {
	for _, f := range s.ActiveFeatures {
		if f == feature {
			return
		}
	}
	s.ActiveFeatures = append(s.ActiveFeatures, feature)
}

// appendBounded appends value and slices to the last max entries. With dedup,
// an existing value moves to the end instead of duplicating.
func appendBounded(list []string, value string, max int, dedup bool) []string {
	if dedup {
		for i, v := range list {
			if v == value {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	list = append(list, value)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// sessionPayload flattens a session into the engine payload shape.
func sessionPayload(s *Session) map[string]any {
	payload := map[string]any{
		"sessionId":      s.SessionID,
		"project":        s.ProjectName,
		"status":         s.Status,
		"startedAt":      s.StartedAt.Format(time.RFC3339),
		"lastActivityAt": s.LastActivityAt.Format(time.RFC3339),
	}
	if !s.EndedAt.IsZero() {
		payload["endedAt"] = s.EndedAt.Format(time.RFC3339)
	}
	for key, list := range map[string][]string{
		"currentFiles":     s.CurrentFiles,
		"recentQueries":    s.RecentQueries,
		"activeFeatures":   s.ActiveFeatures,
		"toolsUsed":        s.ToolsUsed,
		"pendingLearnings": s.PendingLearnings,
		"decisions":        s.Decisions,
	} {
		if len(list) == 0 {
			continue
		}
		values := make([]any, len(list))
		for i, v := range list {
			values[i] = v
		}
		payload[key] = values
	}
	if len(s.Metadata) > 0 {
		payload["metadata"] = s.Metadata
	}
	return payload
}

// sessionFromPayload rebuilds a session from an engine payload.
func sessionFromPayload(payload map[string]any) *Session {
	s := &Session{}
	if v, ok := payload["sessionId"].(string); ok {
		s.SessionID = v
	}
	if v, ok := payload["project"].(string); ok {
		s.ProjectName = v
	}
	if v, ok := payload["status"].(string); ok {
		s.Status = v
	}
	if v, ok := payload["startedAt"].(string); ok {
		s.StartedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := payload["lastActivityAt"].(string); ok {
		s.LastActivityAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := payload["endedAt"].(string); ok {
		s.EndedAt, _ = time.Parse(time.RFC3339, v)
	}
	s.CurrentFiles = stringList(payload["currentFiles"])
	s.RecentQueries = stringList(payload["recentQueries"])
	s.ActiveFeatures = stringList(payload["activeFeatures"])
	s.ToolsUsed = stringList(payload["toolsUsed"])
	s.PendingLearnings = stringList(payload["pendingLearnings"])
	s.Decisions = stringList(payload["decisions"])
	if meta, ok := payload["metadata"].(map[string]any); ok {
		s.Metadata = meta
	}
	return s
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var list []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			list = append(list, s)
		}
	}
	return list
}
