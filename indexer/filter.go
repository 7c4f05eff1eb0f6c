package indexer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PatternFilter decides file inclusion from glob include/exclude patterns.
// Directory-name and extension patterns take fast paths; everything else
// falls through to filepath.Match.
type PatternFilter struct {
	root         string
	cache        *patternCache
	includeCount int
}

type patternCache struct {
	dirExcludes  map[string]bool
	extExcludes  map[string]bool
	dirIncludes  map[string]bool
	extIncludes  map[string]bool
	globExcludes []string
	globIncludes []string
}

// NewPatternFilter validates and compiles the pattern sets for files under
// root.
func NewPatternFilter(root string, includePatterns, excludePatterns []string) (*PatternFilter, error) {
	cache, err := buildPatternCache(includePatterns, excludePatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to build pattern cache: %w", err)
	}
	return &PatternFilter{
		root:         root,
		cache:        cache,
		includeCount: len(includePatterns),
	}, nil
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	normalized := filepath.ToSlash(pattern)
	if _, err := filepath.Match(normalized, "test/path/file.txt"); err != nil {
		return fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
	}
	if strings.Contains(pattern, "**") && !strings.HasPrefix(normalized, "**/") {
		return fmt.Errorf("pattern '%s': '**' is only supported at the beginning", pattern)
	}
	return nil
}

func (pf *PatternFilter) rel(path string) string {
	relPath, err := filepath.Rel(pf.root, path)
	if err != nil {
		relPath = path
	}
	return filepath.ToSlash(relPath)
}

// ShouldInclude reports whether the file matches the include set. An empty
// include set includes everything.
func (pf *PatternFilter) ShouldInclude(path string) bool {
	if pf.includeCount == 0 {
		return true
	}
	normalized := pf.rel(path)

	if ext := filepath.Ext(normalized); ext != "" && pf.cache.extIncludes[ext] {
		return true
	}
	for _, part := range strings.Split(normalized, "/") {
		if pf.cache.dirIncludes[part] {
			return true
		}
	}
	for _, pattern := range pf.cache.globIncludes {
		if pattern == "*" {
			return true
		}
		if matched, err := filepath.Match(pattern, normalized); err == nil && matched {
			return true
		}
		if strings.HasPrefix(pattern, "**/") {
			simple := strings.TrimPrefix(pattern, "**/")
			if matched, err := filepath.Match(simple, filepath.Base(normalized)); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// ShouldExclude reports whether the file or any path component matches the
// exclude set.
func (pf *PatternFilter) ShouldExclude(path string) bool {
	normalized := pf.rel(path)

	if ext := filepath.Ext(normalized); ext != "" && pf.cache.extExcludes[ext] {
		return true
	}
	for _, part := range strings.Split(normalized, "/") {
		if pf.cache.dirExcludes[part] {
			return true
		}
	}
	for _, pattern := range pf.cache.globExcludes {
		if matched, err := filepath.Match(pattern, normalized); err == nil && matched {
			return true
		}
		if strings.HasPrefix(pattern, "**/") {
			simple := strings.TrimPrefix(pattern, "**/")
			if matched, err := filepath.Match(simple, filepath.Base(normalized)); err == nil && matched {
				return true
			}
		}
	}
	return false
}

func buildPatternCache(includePatterns, excludePatterns []string) (*patternCache, error) {
	cache := &patternCache{
		dirExcludes: make(map[string]bool),
		extExcludes: make(map[string]bool),
		dirIncludes: make(map[string]bool),
		extIncludes: make(map[string]bool),
	}

	classify := func(pattern string, dirs, exts map[string]bool, globs *[]string) error {
		if err := validatePattern(pattern); err != nil {
			return err
		}
		normalized := filepath.ToSlash(pattern)
		switch {
		case strings.HasPrefix(normalized, "**/") && strings.HasSuffix(normalized, "/**"):
			dirs[strings.Trim(normalized, "*/")] = true
		case strings.HasPrefix(normalized, "*."):
			exts[strings.TrimPrefix(normalized, "*")] = true
		case strings.HasPrefix(normalized, ".") && !strings.Contains(normalized, "/"):
			exts[normalized] = true
		case !strings.Contains(normalized, "*"):
			dirs[normalized] = true
		default:
			*globs = append(*globs, normalized)
		}
		return nil
	}

	for _, pattern := range excludePatterns {
		if err := classify(pattern, cache.dirExcludes, cache.extExcludes, &cache.globExcludes); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
	}
	for _, pattern := range includePatterns {
		if err := classify(pattern, cache.dirIncludes, cache.extIncludes, &cache.globIncludes); err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
	}
	return cache, nil
}
