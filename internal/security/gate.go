// Package security guards filesystem access for attachment handling. Every
// user-supplied path is resolved through a Gate before it is read, hashed,
// rendered, or uploaded.
package security

import (
	"os"
	"path/filepath"
	"strings"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

// Mode controls how the gate reacts to paths that fall outside the allowed
// directories. NOT_FOUND is raised in every mode; containment violations are
// subject to the mode.
type Mode string

const (
	// ModePermissive skips containment enforcement entirely. Escapes are
	// logged at debug level and allowed.
	ModePermissive Mode = "permissive"
	// ModeWarn performs the containment test, logs violations, and allows
	// the path through.
	ModeWarn Mode = "warn"
	// ModeStrict rejects containment violations with an error.
	ModeStrict Mode = "strict"
)

// ParseMode validates a user-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePermissive:
		return ModePermissive, nil
	case ModeWarn:
		return ModeWarn, nil
	case ModeStrict:
		return ModeStrict, nil
	default:
		return "", runerrors.Newf(runerrors.KindUsage,
			"unknown path security mode %q (choose permissive, warn, or strict)", s)
	}
}

// Gate confines path resolution to a base directory plus zero or more
// explicitly allowed directories.
type Gate struct {
	baseDir string
	allowed []string
	mode    Mode
	logger  logging.Logger
}

// Option configures a Gate during construction.
type Option func(*Gate) error

// WithMode fixes the enforcement mode. The default is strict.
func WithMode(mode Mode) Option {
	return func(g *Gate) error {
		g.mode = mode
		return nil
	}
}

// WithLogger injects the logger used for permissive/warn decisions.
func WithLogger(logger logging.Logger) Option {
	return func(g *Gate) error {
		g.logger = logger
		return nil
	}
}

// WithAllowedDirs grants access to additional directories. Relative entries
// are interpreted against the base directory.
func WithAllowedDirs(dirs ...string) Option {
	return func(g *Gate) error {
		g.allowed = append(g.allowed, dirs...)
		return nil
	}
}

// WithAllowedDirsFile grants access to every directory listed in a
// newline-delimited file. Blank lines and #-comments are skipped.
func WithAllowedDirsFile(path string) Option {
	return func(g *Gate) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return runerrors.Wrapf(runerrors.KindNotFound, err,
				"cannot read allowed-directories file %s", path)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			g.allowed = append(g.allowed, line)
		}
		return nil
	}
}

// New builds a Gate rooted at base. Base and allowed directories are
// normalized to absolute, symlink-resolved form so the descendant test
// compares real locations.
func New(base string, opts ...Option) (*Gate, error) {
	g := &Gate{mode: ModeStrict}
	if strings.TrimSpace(base) == "" {
		base = "."
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindNotFound, err, "cannot resolve base directory %s", base)
	}
	g.baseDir = resolveIfExists(abs)

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.logger == nil || logging.IsNil(g.logger) {
		g.logger = logging.NewComponentLogger("security")
	}

	normalized := make([]string, 0, len(g.allowed))
	for _, dir := range g.allowed {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(g.baseDir, dir)
		}
		normalized = append(normalized, resolveIfExists(filepath.Clean(dir)))
	}
	g.allowed = normalized
	return g, nil
}

// BaseDir returns the resolved base directory.
func (g *Gate) BaseDir() string { return g.baseDir }

// AllowedDirs returns a copy of the extra allowed directories.
func (g *Gate) AllowedDirs() []string {
	out := make([]string, len(g.allowed))
	copy(out, g.allowed)
	return out
}

// Mode returns the enforcement mode fixed at construction.
func (g *Gate) Mode() Mode { return g.mode }

// Resolve normalizes path to an absolute, symlink-resolved location and
// checks that it stays inside the allowed directories. Relative paths are
// taken against the base directory. The error kind is TRAVERSAL when the
// original path used ".." segments to escape, PATH_DENIED for any other
// escape (including symlink targets), and NOT_FOUND when the target does not
// exist. The containment checks run before the existence check so that a
// denied path never reveals whether anything lives there.
func (g *Gate) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", runerrors.New(runerrors.KindNotFound, "empty path")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.baseDir, abs)
	}
	abs = filepath.Clean(abs)

	if !g.contains(abs) {
		kind := runerrors.KindPathDenied
		msg := "path is outside the allowed directories"
		if hasDotDot(path) {
			kind = runerrors.KindTraversal
			msg = "path escapes the allowed directories via .. traversal"
		}
		if err := g.enforce(kind, msg, path, abs); err != nil {
			return "", err
		}
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", g.notFound(path, abs, err)
	}
	if resolved != abs && !g.contains(resolved) {
		if err := g.enforce(runerrors.KindPathDenied,
			"symlink target is outside the allowed directories", path, resolved); err != nil {
			return "", err
		}
	}
	return resolved, nil
}

// IsAllowed reports whether path falls inside the allowed directories. It
// performs the same containment test as Resolve but never fails and does not
// require the target to exist.
func (g *Gate) IsAllowed(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.baseDir, abs)
	}
	abs = filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return g.contains(abs)
}

func (g *Gate) contains(abs string) bool {
	if isWithin(g.baseDir, abs) {
		return true
	}
	for _, dir := range g.allowed {
		if isWithin(dir, abs) {
			return true
		}
	}
	return false
}

func (g *Gate) enforce(kind runerrors.Kind, msg, requested, resolved string) error {
	switch g.mode {
	case ModePermissive:
		g.logger.Debug("allowing %s outside sandbox (resolved %s, mode=permissive)", requested, resolved)
		return nil
	case ModeWarn:
		g.logger.Warn("%s: %s (resolved %s)", msg, requested, resolved)
		return nil
	default:
		return runerrors.Newf(kind, "%s: %s", msg, requested).
			WithHint("Allow the directory with --allow DIR or an allow-list file, or copy the file under %s.", g.baseDir).
			WithContext("base_dir", g.baseDir).
			WithContext("resolved_path", resolved).
			WithContext("allowed_dirs", strings.Join(g.allowed, ", "))
	}
}

func (g *Gate) notFound(requested, resolved string, cause error) error {
	return runerrors.Wrapf(runerrors.KindNotFound, cause, "file or directory not found: %s", requested).
		WithContext("base_dir", g.baseDir).
		WithContext("resolved_path", resolved)
}

// resolveIfExists applies EvalSymlinks when the path exists, falling back to
// the lexical form otherwise. Allowed directories may legitimately be created
// later in a run.
func resolveIfExists(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func hasDotDot(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
