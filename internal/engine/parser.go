package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

// Parse strategies, in the order they are attempted.
const (
	StrategyFenced   = "fenced"
	StrategyWhole    = "whole"
	StrategyBalanced = "balanced"
	StrategyRepair   = "repair"
)

// ParseOutcome is a successfully extracted response document.
type ParseOutcome struct {
	Document     map[string]any
	MarkdownTail string
	Strategy     string
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?[ \t]*\r?\n(.*?)```")

// ParseStructured extracts the JSON object from a model response. The
// strategy order is fixed so the same text always parses the same way:
// fenced block, whole string, then (only when defensive) a bracket-balanced
// scan and a repair pass. The defensive steps exist because structured
// output combined with code execution sometimes arrives wrapped in prose or
// mildly mangled; both log a warning naming that quirk.
func ParseStructured(text string, defensive bool, logger logging.Logger) (*ParseOutcome, error) {
	logger = logging.OrNop(logger)

	if m := fencePattern.FindStringSubmatchIndex(text); m != nil {
		candidate := strings.TrimSpace(text[m[2]:m[3]])
		if doc, ok := parseObject(candidate); ok {
			return &ParseOutcome{
				Document:     doc,
				MarkdownTail: strings.TrimSpace(text[m[1]:]),
				Strategy:     StrategyFenced,
			}, nil
		}
	}

	if doc, ok := parseObject(strings.TrimSpace(text)); ok {
		return &ParseOutcome{Document: doc, Strategy: StrategyWhole}, nil
	}

	if !defensive {
		return nil, parseFailure(text)
	}

	if candidate, rest, ok := balancedObject(text); ok {
		if doc, ok := parseObject(candidate); ok {
			logger.Warn("response JSON was embedded in prose; extracted it with the balanced-brace scanner (known quirk of code execution with structured output)")
			return &ParseOutcome{
				Document:     doc,
				MarkdownTail: strings.TrimSpace(rest),
				Strategy:     StrategyBalanced,
			}, nil
		}
	}

	candidate := strings.TrimSpace(text)
	if inner, _, ok := balancedObject(text); ok {
		candidate = inner
	}
	if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
		if doc, ok := parseObject(repaired); ok {
			logger.Warn("response JSON needed a repair pass before parsing (known quirk of code execution with structured output)")
			return &ParseOutcome{Document: doc, Strategy: StrategyRepair}, nil
		}
	}

	return nil, parseFailure(text)
}

func parseObject(candidate string) (map[string]any, bool) {
	if candidate == "" || candidate[0] != '{' {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// balancedObject finds the first complete top-level JSON object by tracking
// brace depth with string and escape state. A non-greedy regex would stop at
// the first closing brace and truncate nested objects.
func balancedObject(text string) (string, string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], text[i+1:], true
				}
			}
		}
	}
	return "", "", false
}

func parseFailure(text string) error {
	snippet := strings.TrimSpace(text)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return runerrors.New(runerrors.KindAPI, "the response did not contain a parseable JSON object").
		WithHint("Re-run with --debug to see the full response text.").
		WithContext("response_snippet", snippet)
}
