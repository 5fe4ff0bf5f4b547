package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"schemarun/internal/attach"
	"schemarun/internal/engine"
	runerrors "schemarun/internal/errors"
)

// runFlags is the full surface shared by run and runx.
type runFlags struct {
	// Attachment families. Values accept an optional target prefix:
	// "ci,fs:data=report.csv" attaches report.csv as data for code
	// execution and retrieval.
	files       []string
	dirs        []string
	collects    []string
	codeFiles   []string
	searchFiles []string
	userFiles   []string

	recursive     bool
	glob          string
	ignoreFile    string
	noIgnore      bool
	strictCollect bool

	vars     []string
	varJSONs []string

	templateStr string
	sysPrompt   string
	sysFile     string

	model            string
	temperature      float64
	topP             float64
	maxOutputTokens  int
	frequencyPenalty float64
	presencePenalty  float64
	reasoningEffort  string

	enableTools  []string
	disableTools []string

	endpoints    []string
	mcpAllowed   []string
	mcpHeaders   string
	approval     string

	downloadDir      string
	ciDuplicates     string
	ciValidation     string
	ciExtensions     []string
	downloadStrategy string
	ciDownloadHack   string

	storeName      string
	fsTimeout      int
	fsRetries      int
	fsChunkSize    int
	fsChunkOverlap int
	keepStore      bool

	output    string
	dryRun    bool
	allowDirs []string
	allowFile string
	gateMode  string

	apiBase        string
	timeoutSeconds int
	jsonParse      string
}

// shortAliases maps short flags to the family names runx policies use.
var shortAliases = map[string]string{
	"f": "file",
	"d": "dir",
	"m": "model",
	"o": "output",
	"V": "var",
}

func registerRunFlags(cmd *cobra.Command, f *runFlags) {
	fs := cmd.Flags()

	fs.StringArrayVarP(&f.files, "file", "f", nil, "attach a file: [targets:][alias=]path (default target: template)")
	fs.StringArrayVarP(&f.dirs, "dir", "d", nil, "attach a directory: [targets:][alias=]path")
	fs.StringArrayVar(&f.collects, "collect", nil, "attach a filelist: [targets:][alias=]@list.txt")
	fs.StringArrayVar(&f.codeFiles, "fc", nil, "attach a file for code execution (shorthand for ci:)")
	fs.StringArrayVar(&f.searchFiles, "fs", nil, "attach a file for retrieval (shorthand for fs:)")
	fs.StringArrayVar(&f.userFiles, "fu", nil, "attach a file to the user message (shorthand for ud:)")

	fs.BoolVar(&f.recursive, "recursive", false, "expand attached directories recursively")
	fs.StringVar(&f.glob, "glob", "", "filter directory expansion by base-name pattern")
	fs.StringVar(&f.ignoreFile, "ignore-file", "", "override the .gitignore used during directory expansion")
	fs.BoolVar(&f.noIgnore, "no-ignore", false, "disable ignore-file handling")
	fs.BoolVar(&f.strictCollect, "strict-collect", false, "fail the run when a filelist line does not resolve")

	fs.StringArrayVarP(&f.vars, "var", "V", nil, "bind a template variable: name=value")
	fs.StringArrayVar(&f.varJSONs, "var-json", nil, "bind a JSON template variable: name=json")

	fs.StringVar(&f.templateStr, "template-str", "", "inline template source instead of a template file")
	fs.StringVar(&f.sysPrompt, "sys-prompt", "", "system instructions sent with the request")
	fs.StringVar(&f.sysFile, "sys-file", "", "file holding the system instructions")

	fs.StringVarP(&f.model, "model", "m", "", "model id (default from config)")
	fs.Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	fs.Float64Var(&f.topP, "top-p", 0, "nucleus sampling mass")
	fs.IntVar(&f.maxOutputTokens, "max-output-tokens", 0, "cap on generated tokens")
	fs.Float64Var(&f.frequencyPenalty, "frequency-penalty", 0, "frequency penalty")
	fs.Float64Var(&f.presencePenalty, "presence-penalty", 0, "presence penalty")
	fs.StringVar(&f.reasoningEffort, "reasoning-effort", "", "reasoning effort: minimal, low, medium, high")

	fs.StringArrayVar(&f.enableTools, "enable-tool", nil, "enable a tool: code-exec, retrieval, web-search, remote-tool")
	fs.StringArrayVar(&f.disableTools, "disable-tool", nil, "disable a tool even when attachments imply it")

	fs.StringArrayVar(&f.endpoints, "mcp", nil, "remote tool endpoint: label@url or a bare https URL")
	fs.StringArrayVar(&f.mcpAllowed, "mcp-allowed", nil, "restrict an endpoint's tools: label=tool1,tool2")
	fs.StringVar(&f.mcpHeaders, "mcp-headers", "", `endpoint headers as JSON: {"label":{"Header":"value"}}`)
	fs.StringVar(&f.approval, "mcp-approval", "", "remote tool approval mode (must be never)")

	fs.StringVar(&f.downloadDir, "download-dir", "", "directory for generated artifacts (default ./downloads)")
	fs.StringVar(&f.ciDuplicates, "ci-duplicate-outputs", "", "artifact collision strategy: overwrite, rename, skip")
	fs.StringVar(&f.ciValidation, "ci-validation", "", "artifact validation level: off, basic, strict")
	fs.StringArrayVar(&f.ciExtensions, "ci-extensions", nil, "keep only artifacts with these extensions (each starts with a dot)")
	fs.StringVar(&f.downloadStrategy, "download-strategy", "", "single_pass or two_pass_sentinel")
	fs.StringVar(&f.ciDownloadHack, "ci-download-hack", "", "feature flag on|off forcing the two-pass protocol")

	fs.StringVar(&f.storeName, "fs-store-name", "", "vector store name (default schemarun-<run id>)")
	fs.IntVar(&f.fsTimeout, "fs-timeout", 0, "seconds to wait for vector store indexing (default 60)")
	fs.IntVar(&f.fsRetries, "fs-retries", 0, "retry count for vector store calls")
	fs.IntVar(&f.fsChunkSize, "fs-chunk-size", 0, "vector store chunk size in tokens (100-4096)")
	fs.IntVar(&f.fsChunkOverlap, "fs-chunk-overlap", 0, "vector store chunk overlap in tokens")
	fs.BoolVar(&f.keepStore, "fs-keep-store", false, "leave the vector store alive after the run")

	fs.StringVarP(&f.output, "output", "o", "", "write the result document to this path instead of stdout")
	fs.BoolVar(&f.dryRun, "dry-run", false, "validate, render, and budget without any remote call")
	fs.StringArrayVar(&f.allowDirs, "allow", nil, "extra directory allowed for file access")
	fs.StringVar(&f.allowFile, "allow-file", "", "file listing extra allowed directories")
	fs.StringVar(&f.gateMode, "path-security", "", "path containment mode: permissive, warn, strict")

	fs.StringVar(&f.apiBase, "api-base", "", "API base URL override")
	fs.IntVar(&f.timeoutSeconds, "timeout", 0, "whole-run deadline in seconds (default 3600)")
	fs.StringVar(&f.jsonParse, "json-parse", "", "response parse mode: strict or lenient")
}

// parseSpecValue splits one attachment flag value into targets, alias, and
// path. The target prefix ends at the first ":" that appears before any "="
// or path separator, so relative paths and alias=path forms survive intact.
func parseSpecValue(flagName, raw string, fallback []attach.Target) ([]attach.Target, string, string, error) {
	targets := fallback
	rest := raw

	if i := strings.IndexAny(raw, ":=/\\"); i >= 0 && raw[i] == ':' {
		parsed := make([]attach.Target, 0, 2)
		for _, part := range strings.Split(raw[:i], ",") {
			t, err := attach.ParseTarget(part)
			if err != nil {
				return nil, "", "", runerrors.Wrapf(runerrors.KindUsage, err, "--%s %q", flagName, raw)
			}
			parsed = append(parsed, t)
		}
		targets = parsed
		rest = raw[i+1:]
	}

	alias, path := "", rest
	if i := strings.Index(rest, "="); i >= 0 {
		alias, path = rest[:i], rest[i+1:]
	}
	if strings.TrimSpace(path) == "" {
		return nil, "", "", runerrors.Newf(runerrors.KindUsage, "--%s %q has no path", flagName, raw)
	}
	return targets, alias, path, nil
}

// attachmentRequests turns the six attachment families into resolver
// requests, preserving CLI order within each family.
func (f *runFlags) attachmentRequests() ([]attach.Request, error) {
	var reqs []attach.Request

	add := func(flagName string, values []string, fallback []attach.Target, kind attach.Kind) error {
		for _, raw := range values {
			targets, alias, path, err := parseSpecValue(flagName, raw, fallback)
			if err != nil {
				return err
			}
			req := attach.Request{
				Flag:    "--" + flagName,
				Targets: targets,
				Alias:   alias,
				Path:    path,
				Kind:    kind,
			}
			if kind == attach.KindDir {
				req.Recursive = f.recursive
				req.Glob = f.glob
			}
			if kind == attach.KindCollection && !strings.HasPrefix(path, "@") {
				return runerrors.Newf(runerrors.KindUsage,
					"--%s %q must reference a filelist with @", flagName, raw).
					WithHint("Write --collect @files.txt.")
			}
			reqs = append(reqs, req)
		}
		return nil
	}

	template := []attach.Target{attach.TargetTemplate}
	if err := add("file", f.files, template, attach.KindFile); err != nil {
		return nil, err
	}
	if err := add("dir", f.dirs, template, attach.KindDir); err != nil {
		return nil, err
	}
	if err := add("collect", f.collects, template, attach.KindCollection); err != nil {
		return nil, err
	}
	if err := add("fc", f.codeFiles, []attach.Target{attach.TargetCodeExec}, attach.KindFile); err != nil {
		return nil, err
	}
	if err := add("fs", f.searchFiles, []attach.Target{attach.TargetRetrieval}, attach.KindFile); err != nil {
		return nil, err
	}
	if err := add("fu", f.userFiles, []attach.Target{attach.TargetUserData}, attach.KindFile); err != nil {
		return nil, err
	}
	return reqs, nil
}

func identOK(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// parseVars merges defaults (lowest), --var, and --var-json bindings. A name
// bound twice on the command line is a duplicate no matter which family it
// came from; a flag binding silently beats a template default.
func (f *runFlags) parseVars(defaults map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(defaults)+len(f.vars)+len(f.varJSONs))
	for name, value := range defaults {
		out[name] = value
	}

	fromFlags := make(map[string]bool, len(f.vars)+len(f.varJSONs))
	bind := func(flagName, raw string, parse bool) error {
		name, value, ok := strings.Cut(raw, "=")
		if !ok {
			return runerrors.Newf(runerrors.KindUsage, "--%s %q is not name=value", flagName, raw)
		}
		if !identOK(name) {
			return runerrors.Newf(runerrors.KindUsage,
				"--%s name %q is not a valid identifier", flagName, name).
				WithHint("Names start with a letter or _ and contain only letters, digits, and _.")
		}
		if fromFlags[name] {
			return runerrors.Newf(runerrors.KindVarDup, "variable %q is bound twice", name)
		}
		fromFlags[name] = true

		if !parse {
			out[name] = value
			return nil
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return runerrors.Wrapf(runerrors.KindUsage, err, "--%s %s is not valid JSON", flagName, name)
		}
		out[name] = parsed
		return nil
	}

	for _, raw := range f.vars {
		if err := bind("var", raw, false); err != nil {
			return nil, err
		}
	}
	for _, raw := range f.varJSONs {
		if err := bind("var-json", raw, true); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// params builds the admission input. Changed() distinguishes an explicit
// zero from an unset flag.
func (f *runFlags) params(fs *pflag.FlagSet) engine.Params {
	p := engine.Params{
		MaxOutputTokens: f.maxOutputTokens,
		ReasoningEffort: f.reasoningEffort,
	}
	if fs.Changed("temperature") {
		v := f.temperature
		p.Temperature = &v
	}
	if fs.Changed("top-p") {
		v := f.topP
		p.TopP = &v
	}
	if fs.Changed("frequency-penalty") {
		v := f.frequencyPenalty
		p.FrequencyPenalty = &v
	}
	if fs.Changed("presence-penalty") {
		v := f.presencePenalty
		p.PresencePenalty = &v
	}
	return p
}

// toolSets parses --enable-tool / --disable-tool.
func (f *runFlags) toolSets() (enable, disable []attach.Tool, err error) {
	for _, raw := range f.enableTools {
		t, err := attach.ParseTool(raw)
		if err != nil {
			return nil, nil, err
		}
		enable = append(enable, t)
	}
	for _, raw := range f.disableTools {
		t, err := attach.ParseTool(raw)
		if err != nil {
			return nil, nil, err
		}
		disable = append(disable, t)
	}
	return enable, disable, nil
}

// mcpAllowedMap parses --mcp-allowed entries.
func (f *runFlags) mcpAllowedMap() (map[string][]string, error) {
	if len(f.mcpAllowed) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(f.mcpAllowed))
	for _, raw := range f.mcpAllowed {
		label, list, ok := strings.Cut(raw, "=")
		if !ok || label == "" {
			return nil, runerrors.Newf(runerrors.KindUsage, "--mcp-allowed %q is not label=tool1,tool2", raw)
		}
		var tools []string
		for _, t := range strings.Split(list, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tools = append(tools, t)
			}
		}
		out[strings.ToLower(label)] = tools
	}
	return out, nil
}

// mcpHeaderMap parses the --mcp-headers JSON blob.
func (f *runFlags) mcpHeaderMap() (map[string]map[string]string, error) {
	if strings.TrimSpace(f.mcpHeaders) == "" {
		return nil, nil
	}
	var out map[string]map[string]string
	if err := json.Unmarshal([]byte(f.mcpHeaders), &out); err != nil {
		return nil, runerrors.Wrap(runerrors.KindUsage, err, "--mcp-headers is not valid JSON").
			WithHint(`Write --mcp-headers '{"label":{"Authorization":"Bearer …"}}'.`)
	}
	lowered := make(map[string]map[string]string, len(out))
	for label, headers := range out {
		lowered[strings.ToLower(label)] = headers
	}
	return lowered, nil
}

// strategy resolves --download-strategy and the ci-download-hack feature
// flag, which overrides it.
func (f *runFlags) strategy() (engine.PassStrategy, bool, error) {
	strategy, err := engine.ParsePassStrategy(f.downloadStrategy)
	if err != nil {
		return "", false, err
	}
	force := false
	switch strings.ToLower(strings.TrimSpace(f.ciDownloadHack)) {
	case "":
	case "on":
		strategy = engine.TwoPassSentinel
		force = true
	case "off":
		strategy = engine.SinglePass
	default:
		return "", false, runerrors.Newf(runerrors.KindUsage,
			"--ci-download-hack %q is not on or off", f.ciDownloadHack)
	}
	return strategy, force, nil
}
