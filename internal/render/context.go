package render

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"schemarun/internal/attach"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/fileid"
	"schemarun/internal/logging"
)

// Reserved context keys the builder always populates. Variables and aliases
// may not shadow them.
var reservedKeys = map[string]bool{
	"files": true, "file_count": true, "has_files": true,
	"ud_files": true, "current_model": true, "web_search_enabled": true,
	"stdin": true, "_attachments": true,
}

// Options configures context assembly.
type Options struct {
	BaseDir          string
	Model            string
	WebSearchEnabled bool
	// Stdin overrides os.Stdin; the value is only read when the template
	// prints it.
	Stdin io.Reader
	// Vars are the parsed name=value and name=json bindings.
	Vars map[string]any
}

// LoadedFile is a prompt-bound file whose text was pulled through the cache.
// The budget gate counts exactly these.
type LoadedFile struct {
	Alias string
	Path  string
	Text  string
}

// ContextBuilder assembles the render context from a routing plan.
type ContextBuilder struct {
	cache    *fileid.Cache
	resolver *attach.Resolver
	logger   logging.Logger
}

// NewContextBuilder wires the collaborators the builder reads from.
func NewContextBuilder(cache *fileid.Cache, resolver *attach.Resolver, logger logging.Logger) *ContextBuilder {
	return &ContextBuilder{cache: cache, resolver: resolver, logger: logging.OrNop(logger)}
}

// Build produces the template context plus the list of prompt-bound files.
// Every alias gets an entry: a file handle, a list of handles for a
// collection, or a directory handle. Content is loaded only for
// TEMPLATE-routed attachments; handles for other targets carry metadata with
// empty content.
func (b *ContextBuilder) Build(plan *attach.Plan, opts Options) (map[string]any, []LoadedFile, error) {
	ctx := map[string]any{
		"current_model":      opts.Model,
		"web_search_enabled": opts.WebSearchEnabled,
		"stdin":              &stdinVar{r: opts.Stdin},
	}

	var loaded []LoadedFile
	var allHandles []map[string]any
	collections := map[string][]map[string]any{}
	collectionOrder := []string{}

	for _, spec := range plan.AllFiles() {
		handle, entry, err := b.fileHandle(spec, opts.BaseDir, spec.HasTarget(attach.TargetTemplate))
		if err != nil {
			return nil, nil, err
		}
		ctx[spec.Alias] = handle
		allHandles = append(allHandles, handle)
		if entry != nil {
			loaded = append(loaded, LoadedFile{Alias: spec.Alias, Path: spec.Path, Text: entry.Text})
		}
		if spec.FromCollection {
			if _, seen := collections[spec.CollectionAlias]; !seen {
				collectionOrder = append(collectionOrder, spec.CollectionAlias)
			}
			collections[spec.CollectionAlias] = append(collections[spec.CollectionAlias], handle)
		}
	}
	for _, alias := range collectionOrder {
		if _, taken := ctx[alias]; taken {
			return nil, nil, runerrors.Newf(runerrors.KindAliasDup,
				"collection alias %q collides with another context entry", alias)
		}
		ctx[alias] = collections[alias]
	}

	for _, spec := range dirSpecs(plan) {
		handle, dirLoaded, err := b.dirHandle(spec, opts.BaseDir)
		if err != nil {
			return nil, nil, err
		}
		ctx[spec.Alias] = handle
		loaded = append(loaded, dirLoaded...)
		if dirFiles, ok := handle["files"].([]map[string]any); ok {
			allHandles = append(allHandles, dirFiles...)
		}
	}

	udHandles := []map[string]any{}
	for _, spec := range plan.UserFiles {
		if handle, ok := ctx[spec.Alias].(map[string]any); ok {
			udHandles = append(udHandles, handle)
		}
	}

	ctx["files"] = allHandles
	ctx["file_count"] = len(allHandles)
	ctx["has_files"] = len(allHandles) > 0
	ctx["ud_files"] = udHandles
	ctx["_attachments"] = attachmentMeta(plan)

	for name, value := range opts.Vars {
		if reservedKeys[name] {
			return nil, nil, runerrors.Newf(runerrors.KindUsage,
				"variable %q shadows a reserved template name", name)
		}
		if _, taken := ctx[name]; taken {
			return nil, nil, runerrors.Newf(runerrors.KindVarDup,
				"variable %q collides with an attachment alias", name).
				WithHint("Rename the variable or give the attachment a different alias.")
		}
		ctx[name] = value
	}

	return ctx, loaded, nil
}

// fileHandle builds the template-facing view of one file. When load is set
// the text content comes from the cache; otherwise the handle carries
// metadata only.
func (b *ContextBuilder) fileHandle(spec attach.Spec, baseDir string, load bool) (map[string]any, *fileid.Entry, error) {
	handle := map[string]any{
		"path":     displayPath(baseDir, spec.Path),
		"abs_path": spec.Path,
		"name":     filepath.Base(spec.Path),
		"size":     int64(0),
		"encoding": "",
		"content":  "",
		"hash":     "",
	}
	if !load {
		if info, err := statSize(spec.Path); err == nil {
			handle["size"] = info
		}
		return handle, nil, nil
	}

	entry, err := b.cache.Load(spec.Path)
	if err != nil {
		return nil, nil, err
	}
	handle["size"] = entry.SizeBytes
	handle["encoding"] = entry.Encoding
	handle["hash"] = entry.ContentHash
	if entry.IsText() {
		handle["content"] = entry.Text
		return handle, entry, nil
	}
	b.logger.Warn("%s is %s; its content is not available to the template",
		spec.Path, entry.Encoding)
	return handle, nil, nil
}

func (b *ContextBuilder) dirHandle(spec attach.Spec, baseDir string) (map[string]any, []LoadedFile, error) {
	paths, err := b.resolver.ExpandDir(spec)
	if err != nil {
		return nil, nil, err
	}
	load := spec.HasTarget(attach.TargetTemplate)

	var loaded []LoadedFile
	files := make([]map[string]any, 0, len(paths))
	for _, path := range paths {
		fileSpec := attach.Spec{Alias: spec.Alias, Path: path, Targets: spec.Targets, Kind: attach.KindFile}
		handle, entry, err := b.fileHandle(fileSpec, baseDir, load)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, handle)
		if entry != nil {
			loaded = append(loaded, LoadedFile{Alias: spec.Alias, Path: path, Text: entry.Text})
		}
	}

	handle := map[string]any{
		"path":       displayPath(baseDir, spec.Path),
		"abs_path":   spec.Path,
		"name":       filepath.Base(spec.Path),
		"files":      files,
		"file_count": len(files),
	}
	return handle, loaded, nil
}

func dirSpecs(plan *attach.Plan) []attach.Spec {
	seen := map[string]bool{}
	var out []attach.Spec
	for _, list := range [][]attach.Spec{plan.TemplateDirs, plan.CodeDirs, plan.SearchDirs, plan.UserDirs} {
		for _, spec := range list {
			if seen[spec.Alias] {
				continue
			}
			seen[spec.Alias] = true
			out = append(out, spec)
		}
	}
	return out
}

func attachmentMeta(plan *attach.Plan) map[string]any {
	meta := make(map[string]any, len(plan.AliasMap))
	for alias, spec := range plan.AliasMap {
		targets := make([]string, 0, len(spec.Targets))
		for _, t := range spec.Targets {
			targets = append(targets, string(t))
		}
		meta[alias] = map[string]any{
			"kind":            string(spec.Kind),
			"targets":         targets,
			"from_collection": spec.FromCollection,
		}
	}
	return meta
}

func statSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// displayPath prefers the base-relative form for readability.
func displayPath(baseDir, abs string) string {
	if baseDir == "" {
		return abs
	}
	rel, err := filepath.Rel(baseDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return rel
}
