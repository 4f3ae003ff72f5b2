package engine

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"panelsim/internal/types"
)

// Entry is one speaker turn extracted from a model reply.
type Entry struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

const entriesSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["name", "message"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"message": {"type": "string", "minLength": 1}
		}
	}
}`

const summarySchema = `{
	"type": "object",
	"required": ["summary", "themes"],
	"properties": {
		"summary": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"themes": {"type": "array", "minItems": 1, "items": {"type": "string"}}
	}
}`

var (
	compiledEntries = jsonschema.MustCompileString("entries.json", entriesSchema)
	compiledSummary = jsonschema.MustCompileString("summary.json", summarySchema)
)

// ParseEntries extracts the JSON array of speaker turns from a raw
// model reply. Markdown fences and surrounding prose are tolerated;
// truncated arrays are repaired by closing open brackets. Anything
// that still fails the schema surfaces as a ParseError.
func ParseEntries(raw string) ([]Entry, error) {
	text := stripFences(raw)

	candidate := text
	if !json.Valid([]byte(candidate)) {
		candidate = extractDelimited(text, '[', ']')
		if candidate == "" {
			return nil, &types.ParseError{Reason: "no JSON array found in reply"}
		}
		candidate = repairTruncated(candidate)
	}

	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, &types.ParseError{Reason: "reply is not valid JSON"}
	}
	if err := compiledEntries.Validate(v); err != nil {
		return nil, &types.ParseError{Reason: "reply does not match the [{name, message}] shape"}
	}

	var entries []Entry
	buf, _ := json.Marshal(v)
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, &types.ParseError{Reason: "reply does not match the [{name, message}] shape"}
	}
	return entries, nil
}

// ParseSummary extracts the {summary, themes} object from a raw model
// reply.
func ParseSummary(raw string) (*types.Summary, error) {
	text := stripFences(raw)

	candidate := text
	if !json.Valid([]byte(candidate)) {
		candidate = extractDelimited(text, '{', '}')
		if candidate == "" {
			return nil, &types.ParseError{Reason: "no JSON object found in reply"}
		}
		candidate = repairTruncated(candidate)
	}

	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, &types.ParseError{Reason: "reply is not valid JSON"}
	}
	if err := compiledSummary.Validate(v); err != nil {
		return nil, &types.ParseError{Reason: "reply does not match the {summary, themes} shape"}
	}

	var sum types.Summary
	buf, _ := json.Marshal(v)
	if err := json.Unmarshal(buf, &sum); err != nil {
		return nil, &types.ParseError{Reason: "reply does not match the {summary, themes} shape"}
	}
	return &sum, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// extractDelimited returns the substring from the first open delimiter
// through the last close delimiter, or from the first open delimiter
// to the end when no close is present.
func extractDelimited(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(s, close)
	if end < start {
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : end+1])
}

// repairTruncated recovers from a reply that hit its output limit
// mid-element: it cuts back to the last element that closed cleanly
// inside the outermost container and closes that container. The scan
// skips string bodies so structural characters inside message text do
// not skew the depth count.
func repairTruncated(s string) string {
	if s == "" {
		return s
	}
	depth := 0
	inString, escaped := false, false
	lastComplete := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 1 {
				lastComplete = i + 1
			}
		}
	}

	if depth == 0 && !inString {
		return s
	}
	if lastComplete == 0 {
		return s
	}
	switch s[0] {
	case '[':
		return s[:lastComplete] + "]"
	case '{':
		return s[:lastComplete] + "}"
	}
	return s
}
