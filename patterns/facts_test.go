package patterns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/memory"
)

func TestExtractFactsDecision(t *testing.T) {
	facts := ExtractFacts("We decided to keep the session queues bounded at the struct level. Other text.")

	require.Len(t, facts, 1)
	assert.Equal(t, memory.TypeDecision, facts[0].Type)
	assert.Equal(t, 0.8, facts[0].Confidence)
	assert.Equal(t, "decision", facts[0].Tag)
	assert.Equal(t, "keep the session queues bounded at the struct level", facts[0].Content)
}

func TestExtractFactsInsightAndFix(t *testing.T) {
	facts := ExtractFacts(
		"Turns out the watcher never fires for chmod events.\n" +
			"The crash was fixed by draining the debounce timer before reuse.")

	require.Len(t, facts, 2)
	assert.Equal(t, memory.TypeInsight, facts[0].Type)
	assert.Equal(t, "insight", facts[0].Tag)
	assert.Equal(t, memory.TypeInsight, facts[1].Type)
	assert.Equal(t, "fix", facts[1].Tag)
	assert.Equal(t, 0.7, facts[1].Confidence)
}

func TestExtractFactsTodo(t *testing.T) {
	facts := ExtractFacts("TODO: migrate the payload decoding to generics")

	require.Len(t, facts, 1)
	assert.Equal(t, memory.TypeTodo, facts[0].Type)
	assert.Equal(t, 0.65, facts[0].Confidence)
}

func TestExtractFactsIgnoresShortMatches(t *testing.T) {
	// Captures under ten characters never qualify.
	assert.Empty(t, ExtractFacts("decided to ship."))
	assert.Empty(t, ExtractFacts("nothing matches any rule here"))
}

func TestExtractFactsDedupes(t *testing.T) {
	facts := ExtractFacts(
		"We decided to cache embeddings aggressively.\n" +
			"Later we also decided to cache embeddings aggressively.")

	assert.Len(t, facts, 1)
}

// recordingIngestor captures requests and returns either an accepted or a
// skipped record.
type recordingIngestor struct {
	requests []memory.IngestRequest
	skip     bool
}

func (r *recordingIngestor) Ingest(_ context.Context, req memory.IngestRequest) (*memory.Memory, error) {
	r.requests = append(r.requests, req)
	m := &memory.Memory{Content: req.Content, Source: req.Source}
	if r.skip {
		m.Metadata = map[string]any{"skipped": true, "reason": "below_threshold"}
	}
	return m, nil
}

func TestProcessIngestsFactsAsAutoPattern(t *testing.T) {
	ingestor := &recordingIngestor{}
	extractor := NewFactExtractor(ingestor)

	accepted := extractor.Process(context.Background(), "proj", "s1",
		"We decided to drop the legacy payload format. Learned that miniredis keys need FastForward for TTL tests.")

	assert.Equal(t, 2, accepted)
	require.Len(t, ingestor.requests, 2)
	for _, req := range ingestor.requests {
		assert.Equal(t, "proj", req.Project)
		assert.Equal(t, memory.SourceAutoPattern, req.Source)
		assert.Equal(t, "s1", req.Metadata["sessionId"])
		assert.Equal(t, "fact_extractor", req.Metadata["extractedBy"])
	}
}

func TestProcessCountsOnlyAcceptedFacts(t *testing.T) {
	ingestor := &recordingIngestor{skip: true}
	extractor := NewFactExtractor(ingestor)

	accepted := extractor.Process(context.Background(), "proj", "",
		"We decided to drop the legacy payload format.")

	assert.Zero(t, accepted)
	assert.Len(t, ingestor.requests, 1)
}
