package session

import (
	"regexp"
	"strings"
)

// Entity extraction from free-form initial context. Regex-only; good enough
// for filenames and identifiers without pulling in a syntax analyzer.
var (
	filenamePattern   = regexp.MustCompile(`[\w./-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|kt|rb|c|h|cpp|hpp|cs|swift|sh|sql|ya?ml|toml|json|md)\b`)
	identifierPattern = regexp.MustCompile(`(?:func|function|def|class|interface|struct|type)\s+([A-Za-z_]\w+)`)
	importPattern     = regexp.MustCompile(`import\s+(?:[\w{},\s*]+\s+from\s+)?["']([^"']+)["']`)
	pascalPattern     = regexp.MustCompile(`\b[A-Z][a-z]+(?:[A-Z][a-z]+)+\b`)
)

// extractedEntities are the files and feature-like concepts found in a block
// of context text.
type extractedEntities struct {
	files    []string
	features []string
}

// extractEntities pulls filenames, declared identifiers, import targets and
// PascalCase concepts out of text.
func extractEntities(text string) extractedEntities {
	var out extractedEntities
	seenFiles := make(map[string]bool)
	seenFeatures := make(map[string]bool)

	addFile := func(f string) {
		f = strings.TrimSpace(f)
		if f == "" || seenFiles[f] {
			return
		}
		seenFiles[f] = true
		out.files = append(out.files, f)
	}
	addFeature := func(f string) {
		f = strings.TrimSpace(f)
		if f == "" || seenFeatures[f] {
			return
		}
		seenFeatures[f] = true
		out.features = append(out.features, f)
	}

	for _, m := range filenamePattern.FindAllString(text, -1) {
		addFile(m)
	}
	for _, m := range identifierPattern.FindAllStringSubmatch(text, -1) {
		addFeature(m[1])
	}
	for _, m := range importPattern.FindAllStringSubmatch(text, -1) {
		addFeature(m[1])
	}
	for _, m := range pascalPattern.FindAllString(text, -1) {
		addFeature(m)
	}
	return out
}
