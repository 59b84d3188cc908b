package comparator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// JSON PARSE-WITH-RECOVERY
// =============================================================================
//
// LLM replies that should be JSON routinely arrive wrapped in markdown code
// fences, prefixed with prose, or carrying trailing commas. Every call site
// goes through this one routine instead of hand-rolling its own cleanup.
// Recovery steps run in a fixed priority order; if all of them fail the
// caller is expected to degrade (sentinel record or fallback strategy), so
// the error here is informational, never fatal to a batch.

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// CleanResponse strips markdown code fences and surrounding whitespace from
// an LLM reply.
func CleanResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

// ParseObject unmarshals an LLM reply expected to be a JSON object into v,
// applying the recovery ladder. Returns an error only when every step fails.
func ParseObject(raw string, v interface{}) error {
	return parseWithRecovery(raw, v, '{', '}')
}

// ParseArray unmarshals an LLM reply expected to be a JSON array into v,
// applying the recovery ladder.
func ParseArray(raw string, v interface{}) error {
	return parseWithRecovery(raw, v, '[', ']')
}

func parseWithRecovery(raw string, v interface{}, open, shut byte) error {
	candidates := []string{
		raw,
		CleanResponse(raw),
	}

	// Slice out the outermost balanced region; LLMs often wrap JSON in prose.
	cleaned := CleanResponse(raw)
	if start := strings.IndexByte(cleaned, open); start >= 0 {
		if end := strings.LastIndexByte(cleaned, shut); end > start {
			candidates = append(candidates, cleaned[start:end+1])
		}
	}

	// Trailing-comma repair applied to every prior candidate.
	n := len(candidates)
	for i := 0; i < n; i++ {
		candidates = append(candidates, trailingCommaRe.ReplaceAllString(candidates[i], "$1"))
	}

	var firstErr error
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		} else if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil {
		firstErr = fmt.Errorf("empty response")
	}
	return fmt.Errorf("json recovery failed: %w", firstErr)
}
