package attach

import (
	"sort"
	"strings"

	runerrors "schemarun/internal/errors"
)

// Tool names a remote capability that can be toggled per run.
type Tool string

const (
	ToolCodeExec  Tool = "CODE_EXEC"
	ToolRetrieval Tool = "RETRIEVAL"
	ToolWebSearch Tool = "WEB_SEARCH"
	ToolRemote    Tool = "REMOTE_TOOL"

	// ToolUserData keys the upload queue for files attached straight to
	// the user message. It is a routing target, not a toggleable tool.
	ToolUserData Tool = "USER_DATA"
)

// ParseTool accepts the CLI spellings for --enable-tool / --disable-tool.
func ParseTool(s string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "code-exec", "code", "ci", "code-interpreter":
		return ToolCodeExec, nil
	case "retrieval", "file-search", "fs":
		return ToolRetrieval, nil
	case "web-search", "web":
		return ToolWebSearch, nil
	case "remote-tool", "remote", "mcp":
		return ToolRemote, nil
	default:
		return "", runerrors.Newf(runerrors.KindUsage, "unknown tool %q", s).
			WithHint("Valid tools: code-exec, retrieval, web-search, remote-tool.")
	}
}

// ToolSet is the effective enablement set for a run.
type ToolSet map[Tool]bool

// Has reports whether the tool is enabled.
func (s ToolSet) Has(t Tool) bool { return s[t] }

// List returns the enabled tools in stable order.
func (s ToolSet) List() []Tool {
	out := make([]Tool, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plan is the routed view of a run's attachments: per-tool work lists (files
// before directories, CLI order within each), the alias map the template
// engine reads, and the effective tool set.
type Plan struct {
	TemplateFiles []Spec
	TemplateDirs  []Spec
	CodeFiles     []Spec
	CodeDirs      []Spec
	SearchFiles   []Spec
	SearchDirs    []Spec
	UserFiles     []Spec
	UserDirs      []Spec

	AliasMap map[string]Spec
	Enabled  ToolSet

	ordered []Spec // file specs in CLI order, any target
}

// BuildPlan routes resolved specs and computes the tool set. Enablement
// layering: routing-implied and config-implied tools are unioned with the
// explicit enable set, then the disable set is removed. A tool named in both
// the enable and disable sets is a usage error, checked before anything
// else.
func BuildPlan(specs []Spec, fromConfig, enable, disable []Tool) (*Plan, error) {
	for _, e := range enable {
		for _, d := range disable {
			if e == d {
				return nil, runerrors.Newf(runerrors.KindUsage,
					"tool %s is both enabled and disabled", e).
					WithHint("Drop it from one of --enable-tool / --disable-tool.")
			}
		}
	}

	p := &Plan{
		AliasMap: make(map[string]Spec, len(specs)),
		Enabled:  make(ToolSet, 4),
	}
	for _, spec := range specs {
		p.AliasMap[spec.Alias] = spec
		if spec.Kind != KindDir {
			p.ordered = append(p.ordered, spec)
		}
		for _, target := range spec.Targets {
			switch target {
			case TargetTemplate:
				p.appendTo(&p.TemplateFiles, &p.TemplateDirs, spec)
			case TargetCodeExec:
				p.appendTo(&p.CodeFiles, &p.CodeDirs, spec)
				p.Enabled[ToolCodeExec] = true
			case TargetRetrieval:
				p.appendTo(&p.SearchFiles, &p.SearchDirs, spec)
				p.Enabled[ToolRetrieval] = true
			case TargetUserData:
				p.appendTo(&p.UserFiles, &p.UserDirs, spec)
			}
		}
	}

	for _, t := range fromConfig {
		p.Enabled[t] = true
	}
	for _, t := range enable {
		p.Enabled[t] = true
	}
	for _, t := range disable {
		delete(p.Enabled, t)
	}
	return p, nil
}

func (p *Plan) appendTo(files, dirs *[]Spec, spec Spec) {
	if spec.Kind == KindDir {
		*dirs = append(*dirs, spec)
		return
	}
	*files = append(*files, spec)
}

// AllFiles returns every file spec once, in CLI order, regardless of target.
func (p *Plan) AllFiles() []Spec {
	out := make([]Spec, len(p.ordered))
	copy(out, p.ordered)
	return out
}

// HasAttachments reports whether any attachment was routed anywhere.
func (p *Plan) HasAttachments() bool {
	return len(p.AliasMap) > 0
}
