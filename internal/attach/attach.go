// Package attach turns attachment flags into validated, gate-checked specs
// and routes them to the tools that consume them.
package attach

import (
	"path/filepath"
	"regexp"
	"strings"

	runerrors "schemarun/internal/errors"
)

// Target names a destination for an attachment.
type Target string

const (
	TargetTemplate  Target = "TEMPLATE"
	TargetCodeExec  Target = "CODE_EXEC"
	TargetRetrieval Target = "RETRIEVAL"
	TargetUserData  Target = "USER_DATA"
)

// ParseTarget accepts the spellings the CLI documents for routing prefixes.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "template", "prompt", "t":
		return TargetTemplate, nil
	case "code", "ci", "code-exec", "code-interpreter":
		return TargetCodeExec, nil
	case "search", "fs", "retrieval", "file-search":
		return TargetRetrieval, nil
	case "user", "ud", "user-data":
		return TargetUserData, nil
	default:
		return "", runerrors.Newf(runerrors.KindUsage, "unknown attachment target %q", s).
			WithHint("Valid targets: template (prompt), code (ci), search (fs), user (ud).")
	}
}

// Kind distinguishes the three attachment families.
type Kind string

const (
	KindFile       Kind = "file"
	KindDir        Kind = "dir"
	KindCollection Kind = "collection"
)

// Spec is one resolved attachment. Specs are immutable after resolution.
type Spec struct {
	Alias   string
	Path    string // absolute, symlink-resolved
	Targets []Target
	Kind    Kind

	// Directory options.
	Recursive     bool
	Glob          string
	DisableIgnore bool
	IgnoreFile    string

	// Collection provenance.
	FromCollection  bool
	CollectionAlias string
}

// HasTarget reports whether s routes to t.
func (s Spec) HasTarget(t Target) bool {
	for _, have := range s.Targets {
		if have == t {
			return true
		}
	}
	return false
}

var (
	identPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	nonIdentPattern = regexp.MustCompile(`[^A-Za-z0-9_]`)
)

// DeriveAlias converts a filename into a template-safe identifier: every
// non-identifier rune becomes an underscore and a leading digit gets an
// underscore prefix.
func DeriveAlias(path string) string {
	base := filepath.Base(path)
	alias := nonIdentPattern.ReplaceAllString(base, "_")
	if alias == "" {
		return "_"
	}
	if alias[0] >= '0' && alias[0] <= '9' {
		alias = "_" + alias
	}
	return alias
}

// ValidAlias reports whether alias is usable as a template identifier.
func ValidAlias(alias string) bool {
	return identPattern.MatchString(alias)
}

func normalizeTargets(targets []Target) []Target {
	seen := make(map[Target]bool, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
