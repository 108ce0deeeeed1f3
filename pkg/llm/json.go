package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON strictly parses a json_mode response into v. On parse failure
// a single repair pass is attempted (fence stripping, envelope trimming,
// artifact unescaping) before the error surfaces as ErrBadJSON.
func DecodeJSON(text string, v any) error {
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	repaired := RepairJSON(text)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return nil
}

// RepairJSON applies the common fixes for LLM JSON output:
//   - surrounding markdown fences (```json … ```) are stripped
//   - prose before the first brace/bracket and after the last is dropped
//   - escaped-newline artifacts from double-encoding are unescaped
func RepairJSON(text string) string {
	s := strings.TrimSpace(text)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndexByte(s, '}')
	} else {
		end = strings.LastIndexByte(s, ']')
	}
	if end > start {
		s = s[start : end+1]
	}

	// Double-encoded output ("{\"key\": ...}") shows up as a leading escaped
	// quote; unescape once.
	if strings.HasPrefix(s, `{\"`) || strings.HasPrefix(s, `[\"`) {
		s = strings.ReplaceAll(s, `\"`, `"`)
		s = strings.ReplaceAll(s, `\\n`, `\n`)
	}

	return s
}
