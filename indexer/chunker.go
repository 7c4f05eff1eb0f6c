// Package indexer walks project trees, chunks source files and maintains the
// incremental codebase index in the vector store.
package indexer

import (
	"path/filepath"
	"strings"
)

// Chunk is one greedy-packed span of a source file.
type Chunk struct {
	Content   string
	Index     int
	Total     int
	StartLine int
	EndLine   int
}

// minChunkContent is the minimum number of non-whitespace characters a chunk
// must carry to be indexed.
const minChunkContent = 10

// ChunkLines splits content by line, greedy-packing lines up to budget
// characters per chunk while preserving line boundaries. Chunks with fewer
// than minChunkContent non-whitespace characters are dropped.
func ChunkLines(content string, budget int) []Chunk {
	if budget <= 0 {
		budget = 1000
	}

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	var current []string
	startLine := 1
	size := 0

	flush := func(endLine int) {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, "\n")
		if countNonWhitespace(text) >= minChunkContent {
			chunks = append(chunks, Chunk{
				Content:   text,
				Index:     len(chunks),
				StartLine: startLine,
				EndLine:   endLine,
			})
		}
		current = nil
		size = 0
	}

	for i, line := range lines {
		lineNo := i + 1
		// A single line longer than the budget still becomes its own chunk;
		// line boundaries are never broken.
		if size > 0 && size+len(line)+1 > budget {
			flush(lineNo - 1)
			startLine = lineNo
		}
		if len(current) == 0 {
			startLine = lineNo
		}
		current = append(current, line)
		size += len(line) + 1
	}
	flush(len(lines))

	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Total = len(chunks)
	}
	return chunks
}

func countNonWhitespace(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			n++
		}
	}
	return n
}

var languageByExtension = map[string]string{
	".go":    "go",
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".py":    "python",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".sh":    "shell",
	".sql":   "sql",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".json":  "json",
	".md":    "markdown",
}

// DetectLanguage maps a file path to a language tag, defaulting to "text".
func DetectLanguage(path string) string {
	if lang, ok := languageByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "text"
}
