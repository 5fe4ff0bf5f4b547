package remote

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// stripPolicy removes every HTML element, leaving text content only.
var stripPolicy = bluemonday.StrictPolicy()

var (
	jsSchemePattern  = regexp.MustCompile(`(?i)javascript\s*:`)
	eventAttrPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// SanitizeString strips markup and script vectors from a single string.
// Tags go through the HTML policy; the regex passes catch javascript: URIs
// and inline event handlers that survive outside tag context.
func SanitizeString(s string) string {
	if s == "" {
		return s
	}
	if strings.ContainsAny(s, "<>&") {
		s = html.UnescapeString(stripPolicy.Sanitize(s))
	}
	s = jsSchemePattern.ReplaceAllString(s, "")
	s = eventAttrPattern.ReplaceAllString(s, "")
	return s
}

// SanitizeValue walks an unmarshalled JSON value and sanitizes every string
// in it, keys included.
func SanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[SanitizeString(k)] = SanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = SanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// SanitizeJSON sanitizes a JSON document in place, re-encoding after the
// walk. Bodies that do not parse as JSON are sanitized as plain text.
func SanitizeJSON(body []byte) []byte {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return []byte(SanitizeString(string(body)))
	}
	clean, err := json.Marshal(SanitizeValue(v))
	if err != nil {
		return []byte(SanitizeString(string(body)))
	}
	return clean
}
