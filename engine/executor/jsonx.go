package executor

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	codeFenceRE     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON leniently pulls a JSON value out of model output: strip code
// fences, locate the outermost object or array, repair trailing commas. It
// returns the decoded value and whether extraction succeeded; callers fall
// back to the raw text when it does not.
func extractJSON(text string) (any, bool) {
	candidate := strings.TrimSpace(text)
	if m := codeFenceRE.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	if v, ok := tryDecode(candidate); ok {
		return v, true
	}
	// Locate the outermost object or array in surrounding prose.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(candidate, pair[0])
		end := strings.LastIndex(candidate, pair[1])
		if start >= 0 && end > start {
			if v, ok := tryDecode(candidate[start : end+1]); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func tryDecode(candidate string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		return v, true
	}
	repaired := trailingCommaRE.ReplaceAllString(candidate, "$1")
	if err := json.Unmarshal([]byte(repaired), &v); err == nil {
		return v, true
	}
	return nil, false
}
