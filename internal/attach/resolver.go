package attach

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
	"schemarun/internal/security"
)

// Request is the raw form of an attachment flag before validation. Flag
// parsing fills it; the Resolver turns it into a Spec.
type Request struct {
	Flag      string // originating flag, for diagnostics
	Targets   []Target
	Alias     string // empty means derive from the filename
	Path      string
	Kind      Kind
	Recursive bool
	Glob      string
}

// Resolver validates attachment requests against the security gate and
// enforces alias uniqueness across the run.
type Resolver struct {
	gate           *security.Gate
	strict         bool
	disableIgnore  bool
	ignoreOverride string
	logger         logging.Logger
	seen           map[string]string // alias -> source path
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrictCollections makes a failing filelist line abort the run instead
// of being skipped with a warning.
func WithStrictCollections(strict bool) Option {
	return func(r *Resolver) { r.strict = strict }
}

// WithIgnoreDisabled turns off .gitignore handling during directory
// expansion.
func WithIgnoreDisabled(disabled bool) Option {
	return func(r *Resolver) { r.disableIgnore = disabled }
}

// WithIgnoreFile overrides the per-directory .gitignore lookup with a fixed
// ignore file.
func WithIgnoreFile(path string) Option {
	return func(r *Resolver) { r.ignoreOverride = path }
}

// WithLogger injects the warning logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver builds a resolver over the given gate.
func NewResolver(gate *security.Gate, opts ...Option) *Resolver {
	r := &Resolver{
		gate: gate,
		seen: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil || logging.IsNil(r.logger) {
		r.logger = logging.NewComponentLogger("attach")
	}
	return r
}

// Resolve validates every request in CLI order. Collections expand into one
// spec per usable filelist line.
func (r *Resolver) Resolve(reqs []Request) ([]Spec, error) {
	specs := make([]Spec, 0, len(reqs))
	for _, req := range reqs {
		if req.Kind == KindCollection {
			expanded, err := r.resolveCollection(req)
			if err != nil {
				return nil, err
			}
			specs = append(specs, expanded...)
			continue
		}
		spec, err := r.resolveOne(req)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (r *Resolver) resolveOne(req Request) (Spec, error) {
	if len(req.Targets) == 0 {
		return Spec{}, runerrors.Newf(runerrors.KindUsage,
			"attachment %s has no routing target", req.Path)
	}

	alias, err := r.claimAlias(req.Alias, req.Path)
	if err != nil {
		return Spec{}, err
	}

	resolved, err := r.gate.Resolve(req.Path)
	if err != nil {
		return Spec{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Spec{}, runerrors.Wrapf(runerrors.KindNotFound, err,
			"cannot stat attachment %s", req.Path)
	}

	switch req.Kind {
	case KindDir:
		if !info.IsDir() {
			return Spec{}, runerrors.Newf(runerrors.KindUsage,
				"%s is a file; attach it with --file instead of --dir", req.Path)
		}
	default:
		if info.IsDir() {
			return Spec{}, runerrors.Newf(runerrors.KindUsage,
				"%s is a directory; attach it with --dir instead of --file", req.Path)
		}
	}

	return Spec{
		Alias:         alias,
		Path:          resolved,
		Targets:       normalizeTargets(req.Targets),
		Kind:          req.Kind,
		Recursive:     req.Recursive,
		Glob:          req.Glob,
		DisableIgnore: r.disableIgnore,
		IgnoreFile:    r.ignoreOverride,
	}, nil
}

// resolveCollection expands an @filelist into per-line file specs. Line
// numbers count every line of the file so an alias always points back at the
// exact line that produced it.
func (r *Resolver) resolveCollection(req Request) ([]Spec, error) {
	if len(req.Targets) == 0 {
		return nil, runerrors.Newf(runerrors.KindUsage,
			"collection %s has no routing target", req.Path)
	}

	listPath := strings.TrimPrefix(strings.TrimSpace(req.Path), "@")
	resolvedList, err := r.gate.Resolve(listPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolvedList)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindNotFound, err,
			"cannot read filelist %s", listPath)
	}

	baseAlias, err := r.claimAlias(req.Alias, resolvedList)
	if err != nil {
		return nil, err
	}
	listDir := filepath.Dir(resolvedList)

	var specs []Spec
	for i, line := range strings.Split(string(data), "\n") {
		lineno := i + 1
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry := line
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(listDir, entry)
		}
		spec, entryErr := r.collectEntry(req, baseAlias, entry, lineno)
		if entryErr != nil {
			if r.strict {
				return nil, runerrors.Wrapf(runerrors.KindCollectLine, entryErr,
					"collection line %d of %s failed", lineno, listPath).
					WithContext("filelist", resolvedList).
					WithContext("line", lineno).
					WithHint("Fix or remove the line, or drop --collect-strict to skip bad entries.")
			}
			r.logger.Warn("skipping collection line %d of %s: %v", lineno, listPath, entryErr)
			continue
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		r.logger.Warn("collection %s produced no attachments", listPath)
	}
	return specs, nil
}

func (r *Resolver) collectEntry(req Request, baseAlias, entry string, lineno int) (Spec, error) {
	resolved, err := r.gate.Resolve(entry)
	if err != nil {
		return Spec{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Spec{}, runerrors.Wrapf(runerrors.KindNotFound, err, "cannot stat %s", entry)
	}
	if info.IsDir() {
		return Spec{}, runerrors.Newf(runerrors.KindUsage,
			"%s is a directory; collections list files only", entry)
	}

	alias := baseAlias + "_" + strconv.Itoa(lineno)
	if _, taken := r.seen[alias]; taken {
		return Spec{}, runerrors.Newf(runerrors.KindAliasDup,
			"derived alias %q is already taken", alias)
	}
	r.seen[alias] = resolved

	return Spec{
		Alias:           alias,
		Path:            resolved,
		Targets:         normalizeTargets(req.Targets),
		Kind:            KindFile,
		FromCollection:  true,
		CollectionAlias: baseAlias,
		DisableIgnore:   r.disableIgnore,
		IgnoreFile:      r.ignoreOverride,
	}, nil
}

// claimAlias validates or derives the alias and reserves it for the run.
func (r *Resolver) claimAlias(alias, sourcePath string) (string, error) {
	if alias == "" {
		alias = DeriveAlias(sourcePath)
	} else if !ValidAlias(alias) {
		return "", runerrors.Newf(runerrors.KindUsage, "alias %q is not a valid identifier", alias).
			WithHint("Aliases match [A-Za-z_][A-Za-z0-9_]*; rename it or omit it to derive one from the filename.")
	}
	if prev, taken := r.seen[alias]; taken {
		return "", runerrors.Newf(runerrors.KindAliasDup, "alias %q is used twice", alias).
			WithContext("first_path", prev).
			WithContext("second_path", sourcePath).
			WithHint("Give one of the attachments an explicit alias: --file other_%s=%s", alias, sourcePath)
	}
	r.seen[alias] = sourcePath
	return alias, nil
}
