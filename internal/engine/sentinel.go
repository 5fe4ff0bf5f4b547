package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel markers for the two-pass protocol. Strict structured output
// suppresses the file citations the code executor needs, so pass 1 runs
// unconstrained and marks its JSON with these delimiters instead.
const (
	sentinelBegin = "===BEGIN_JSON==="
	sentinelEnd   = "===END_JSON==="
)

var sentinelPattern = regexp.MustCompile(`(?s)===BEGIN_JSON===\s*(.*?)\s*===END_JSON===`)

// sentinelInstruction is appended to the pass-1 instructions.
const sentinelInstruction = `After completing all analysis and file generation, output the complete result as a single JSON object between the markers ` + sentinelBegin + ` and ` + sentinelEnd + `. Output the markers exactly once, each on its own line, with nothing but the JSON object between them.`

// ExtractSentinel pulls the delimited JSON object out of a pass-1 response.
// The middle return reports whether the markers were present at all: present
// but unparseable is a different failure from absent, and both fall back to
// single-pass mode at the call site.
func ExtractSentinel(text string) (map[string]any, bool, error) {
	m := sentinelPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false, nil
	}
	candidate := strings.TrimSpace(m[1])

	var doc map[string]any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, true, fmt.Errorf("sentinel block is not a JSON object: %w", err)
	}
	return doc, true, nil
}

// reuseInstruction builds the pass-2 instruction block carrying the pass-1
// payload. Pass 2 re-emits the same data under the strict schema instead of
// recomputing it.
func reuseInstruction(doc map[string]any) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"A previous pass already computed the result. Reproduce the JSON payload below under the required schema; reuse its values verbatim and do not recompute anything.\n%s\n%s\n%s",
		sentinelBegin, payload, sentinelEnd), nil
}
