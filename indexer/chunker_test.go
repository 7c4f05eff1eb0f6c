package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkLinesGreedyPacking(t *testing.T) {
	// Three 40-char lines with a 90-char budget: the first two pack into one
	// chunk, the third starts a new one.
	line := strings.Repeat("x", 40)
	content := strings.Join([]string{line, line, line}, "\n")

	chunks := ChunkLines(content, 90)

	require.Len(t, chunks, 2)
	assert.Equal(t, line+"\n"+line, chunks[0].Content)
	assert.Equal(t, line, chunks[1].Content)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 2, chunks[0].EndLine)
	assert.Equal(t, 3, chunks[1].StartLine)
	assert.Equal(t, 3, chunks[1].EndLine)
}

func TestChunkLinesIndexAndTotal(t *testing.T) {
	line := strings.Repeat("y", 50)
	content := strings.Join([]string{line, line, line, line}, "\n")

	chunks := ChunkLines(content, 60)

	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 4, c.Total)
	}
}

func TestChunkLinesOversizedSingleLine(t *testing.T) {
	// A single line beyond the budget still becomes its own chunk; line
	// boundaries are never broken.
	long := strings.Repeat("z", 500)

	chunks := ChunkLines(long, 100)

	require.Len(t, chunks, 1)
	assert.Equal(t, long, chunks[0].Content)
}

func TestChunkLinesDropsNearEmpty(t *testing.T) {
	assert.Empty(t, ChunkLines("   \n\t\n  ", 100))
	assert.Empty(t, ChunkLines("short", 100))

	chunks := ChunkLines("exactly10c", 100)
	require.Len(t, chunks, 1)
}

func TestChunkLinesDefaultBudget(t *testing.T) {
	content := strings.Repeat("a", 50)
	chunks := ChunkLines(content, 0)
	require.Len(t, chunks, 1)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "go", DetectLanguage("internal/server/main.go"))
	assert.Equal(t, "typescript", DetectLanguage("src/App.TSX"))
	assert.Equal(t, "python", DetectLanguage("scripts/run.py"))
	assert.Equal(t, "markdown", DetectLanguage("README.md"))
	assert.Equal(t, "text", DetectLanguage("Makefile"))
}
