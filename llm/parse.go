package llm

import (
	"encoding/json"
	"strings"
)

// Parsed is the outcome of interpreting an LLM response that was asked for
// JSON. Exactly one of Structured and RawText is set: when the response is
// not valid JSON the raw text is preserved rather than lost.
type Parsed struct {
	Structured json.RawMessage
	RawText    string
}

// IsStructured reports whether the response parsed as JSON.
func (p *Parsed) IsStructured() bool {
	return p.Structured != nil
}

// ParseStructured attempts to interpret text as a JSON object or array,
// tolerating markdown code fences around the payload. Unparseable responses
// come back as RawText.
func ParseStructured(text string) *Parsed {
	candidate := strings.TrimSpace(text)

	// Strip a surrounding markdown fence if present.
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		if idx := strings.LastIndex(candidate, "```"); idx >= 0 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(candidate)
	}

	if strings.HasPrefix(candidate, "{") || strings.HasPrefix(candidate, "[") {
		if json.Valid([]byte(candidate)) {
			return &Parsed{Structured: json.RawMessage(candidate)}
		}
	}
	return &Parsed{RawText: text}
}

// DecodeInto parses text and unmarshals the structured form into out.
// Returns false, leaving out untouched, when the response was raw text or
// does not fit the target shape.
func DecodeInto(text string, out any) bool {
	parsed := ParseStructured(text)
	if !parsed.IsStructured() {
		return false
	}
	return json.Unmarshal(parsed.Structured, out) == nil
}
