package budget

import (
	"fmt"
	"path/filepath"
	"strings"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

const (
	// Files above this token count get individual re-routing advice.
	oversizeFileTokens = 5000
	// Fraction of the context window that triggers a proximity warning.
	warnFraction = 0.90
)

// File is one prompt-bound file with its loaded text.
type File struct {
	Alias   string
	Path    string
	Content string
}

// FileCost is the per-file share of the token total.
type FileCost struct {
	Alias  string
	Path   string
	Tokens int
}

// Report is the outcome of a budget check that passed.
type Report struct {
	PromptTokens int
	FileCosts    []FileCost
	Total        int
	Limit        int
}

// Percent returns the share of the context window the prompt occupies.
func (r *Report) Percent() float64 {
	if r.Limit <= 0 {
		return 0
	}
	return float64(r.Total) / float64(r.Limit) * 100
}

// Check counts the rendered prompt plus every prompt-bound file and compares
// the total against the model's context window. It must run before any
// upload: a run that cannot fit is rejected without remote side effects.
// Exactly at the limit the run proceeds with a warning; past it the error
// carries per-file re-routing advice.
func Check(count CountFunc, prompt string, files []File, limit int, logger logging.Logger) (*Report, error) {
	logger = logging.OrNop(logger)

	report := &Report{
		PromptTokens: count(prompt),
		Limit:        limit,
	}
	report.Total = report.PromptTokens
	for _, f := range files {
		cost := FileCost{Alias: f.Alias, Path: f.Path, Tokens: count(f.Content)}
		report.FileCosts = append(report.FileCosts, cost)
		report.Total += cost.Tokens
	}

	if limit <= 0 {
		return report, nil
	}

	if report.Total > limit {
		err := runerrors.Newf(runerrors.KindPromptTooLarge,
			"prompt needs %d tokens but the context window is %d", report.Total, limit).
			WithContext("total_tokens", report.Total).
			WithContext("prompt_tokens", report.PromptTokens).
			WithContext("context_limit", limit)
		if advice := rerouteAdvice(report.FileCosts); advice != "" {
			err = err.WithHint("%s", advice)
		} else {
			err = err.WithHint("Shorten the template or pick a model with a larger context window.")
		}
		return nil, err
	}

	if float64(report.Total) >= float64(limit)*warnFraction {
		logger.Warn("prompt uses %d of %d tokens (%.0f%% of the context window)",
			report.Total, limit, report.Percent())
	}
	return report, nil
}

// rerouteAdvice names every oversize file with the flag that would move it
// out of the prompt: code execution for tabular and code files, retrieval
// for documents, either for anything else.
func rerouteAdvice(costs []FileCost) string {
	var lines []string
	for _, cost := range costs {
		if cost.Tokens <= oversizeFileTokens {
			continue
		}
		name := filepath.Base(cost.Path)
		switch classifyExt(filepath.Ext(name)) {
		case extCode:
			lines = append(lines, fmt.Sprintf("  --fc %s  (%d tokens; analyze it with code execution)", name, cost.Tokens))
		case extDocument:
			lines = append(lines, fmt.Sprintf("  --fs %s  (%d tokens; search it with retrieval)", name, cost.Tokens))
		default:
			lines = append(lines, fmt.Sprintf("  --fc %s or --fs %s  (%d tokens)", name, name, cost.Tokens))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Route large files out of the prompt:\n" + strings.Join(lines, "\n")
}

type extClass int

const (
	extEither extClass = iota
	extCode
	extDocument
)

var codeExts = map[string]bool{
	".csv": true, ".tsv": true, ".xlsx": true, ".xls": true, ".parquet": true,
	".json": true, ".jsonl": true, ".ndjson": true,
	".py": true, ".go": true, ".js": true, ".ts": true, ".java": true,
	".rb": true, ".rs": true, ".c": true, ".cpp": true, ".h": true,
	".sql": true, ".sh": true, ".yaml": true, ".yml": true, ".toml": true,
}

var documentExts = map[string]bool{
	".pdf": true, ".md": true, ".markdown": true, ".rst": true,
	".docx": true, ".doc": true, ".html": true, ".htm": true, ".tex": true,
}

func classifyExt(ext string) extClass {
	ext = strings.ToLower(ext)
	if codeExts[ext] {
		return extCode
	}
	if documentExts[ext] {
		return extDocument
	}
	return extEither
}
