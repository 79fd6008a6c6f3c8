package typeutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeModelJSON decodes a model reply that must be a single JSON object.
//
// A surrounding markdown code fence is accepted since models add it even when
// told not to. Anything else around the object, or trailing data after it, is
// a failure. Numbers decode as json.Number.
func DecodeModelJSON(text string) (map[string]any, error) {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return nil, fmt.Errorf("empty model output")
	}
	if !strings.HasPrefix(body, "{") {
		return nil, fmt.Errorf("model output is not a JSON object")
	}

	dec := json.NewDecoder(bytes.NewBufferString(body))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return out, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line, e.g. ```json
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
