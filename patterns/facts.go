package patterns

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/quarry-ai/quarry/memory"
)

// Ingestor accepts extracted facts. Implemented by memory.Governance.
type Ingestor interface {
	Ingest(ctx context.Context, req memory.IngestRequest) (*memory.Memory, error)
}

// factRule extracts one category of fact from observation text.
type factRule struct {
	pattern    *regexp.Regexp
	memType    memory.Type
	confidence float64
	tag        string
}

// Extraction rules. Confidence reflects how reliably each phrasing marks a
// durable fact; all land below the manual bar so the adaptive threshold can
// still drop them.
var factRules = []factRule{
	{
		pattern:    regexp.MustCompile(`(?i)(?:decided to|decision:|we will)\s+(.{10,200}?)(?:[.\n]|$)`),
		memType:    memory.TypeDecision,
		confidence: 0.8,
		tag:        "decision",
	},
	{
		pattern:    regexp.MustCompile(`(?i)(?:learned that|turns out|discovered that)\s+(.{10,200}?)(?:[.\n]|$)`),
		memType:    memory.TypeInsight,
		confidence: 0.75,
		tag:        "insight",
	},
	{
		pattern:    regexp.MustCompile(`(?i)(?:fixed by|the fix was|resolved by)\s+(.{10,200}?)(?:[.\n]|$)`),
		memType:    memory.TypeInsight,
		confidence: 0.7,
		tag:        "fix",
	},
	{
		pattern:    regexp.MustCompile(`(?i)(?:TODO:|need to|should later)\s+(.{10,200}?)(?:[.\n]|$)`),
		memType:    memory.TypeTodo,
		confidence: 0.65,
		tag:        "followup",
	},
}

// Fact is one extracted, provenance-tagged statement.
type Fact struct {
	Content    string      `json:"content"`
	Type       memory.Type `json:"type"`
	Confidence float64     `json:"confidence"`
	Tag        string      `json:"tag"`
}

// ExtractFacts runs the rules over one observation text.
func ExtractFacts(text string) []Fact {
	seen := make(map[string]bool)
	var facts []Fact
	for _, rule := range factRules {
		for _, m := range rule.pattern.FindAllStringSubmatch(text, -1) {
			content := strings.TrimSpace(m[1])
			if content == "" || seen[content] {
				continue
			}
			seen[content] = true
			facts = append(facts, Fact{
				Content:    content,
				Type:       rule.memType,
				Confidence: rule.confidence,
				Tag:        rule.tag,
			})
		}
	}
	return facts
}

// FactExtractor routes extracted facts into memory governance as
// auto_pattern entries.
type FactExtractor struct {
	memories Ingestor
}

// NewFactExtractor creates a fact extractor.
func NewFactExtractor(memories Ingestor) *FactExtractor {
	return &FactExtractor{memories: memories}
}

// Process extracts facts from an observation trace and ingests each one.
// Auto-source ingest is non-throwing, so a bad trace never breaks the
// caller; the number of accepted (non-skipped) facts is returned.
func (fe *FactExtractor) Process(ctx context.Context, project, sessionID, text string) int {
	facts := ExtractFacts(text)
	accepted := 0
	for _, fact := range facts {
		metadata := map[string]any{"extractedBy": "fact_extractor"}
		if sessionID != "" {
			metadata["sessionId"] = sessionID
		}
		m, err := fe.memories.Ingest(ctx, memory.IngestRequest{
			Project:    project,
			Content:    fact.Content,
			Type:       fact.Type,
			Tags:       []string{fact.Tag},
			Source:     memory.SourceAutoPattern,
			Confidence: fact.Confidence,
			Metadata:   metadata,
		})
		if err != nil {
			slog.Warn("Fact ingest failed", "project", project, "error", err)
			continue
		}
		if !m.Skipped() {
			accepted++
		}
	}
	return accepted
}
