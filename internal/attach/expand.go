package attach

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	ignore "github.com/sabhiram/go-gitignore"

	runerrors "schemarun/internal/errors"
)

// ExpandDir lists the files of a directory attachment in lexical order.
// Ignore rules and the optional glob filter are applied before the gate
// check, so a denied file inside the tree fails (or warns) per the gate's
// mode rather than being silently dropped.
func (r *Resolver) ExpandDir(spec Spec) ([]string, error) {
	if spec.Kind != KindDir {
		return nil, runerrors.Newf(runerrors.KindInternal,
			"ExpandDir called on %s attachment %q", spec.Kind, spec.Alias)
	}
	matcher, err := r.ignoreMatcher(spec)
	if err != nil {
		return nil, err
	}

	var files []string
	if spec.Recursive {
		err = filepath.WalkDir(spec.Path, func(fpath string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				if fpath == spec.Path {
					return nil
				}
				rel, relErr := filepath.Rel(spec.Path, fpath)
				if relErr == nil && matcher != nil && matcher.MatchesPath(rel+"/") {
					return fs.SkipDir
				}
				return nil
			}
			keep, keepErr := r.keepFile(spec, matcher, fpath, d.Name())
			if keepErr != nil {
				return keepErr
			}
			if keep != "" {
				files = append(files, keep)
			}
			return nil
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(spec.Path)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				keep, keepErr := r.keepFile(spec, matcher, filepath.Join(spec.Path, entry.Name()), entry.Name())
				if keepErr != nil {
					err = keepErr
					break
				}
				if keep != "" {
					files = append(files, keep)
				}
			}
		}
	}
	if err != nil {
		if runerrors.KindOf(err) != runerrors.KindInternal {
			return nil, err
		}
		return nil, runerrors.Wrapf(runerrors.KindNotFound, err, "cannot expand directory %s", spec.Path)
	}

	sort.Strings(files)
	return files, nil
}

// keepFile applies ignore rules, the glob filter, and the gate. An empty
// return path means the file was filtered out.
func (r *Resolver) keepFile(spec Spec, matcher *ignore.GitIgnore, fpath, name string) (string, error) {
	if matcher != nil {
		if rel, err := filepath.Rel(spec.Path, fpath); err == nil && matcher.MatchesPath(rel) {
			return "", nil
		}
	}
	if spec.Glob != "" {
		ok, err := path.Match(spec.Glob, name)
		if err != nil {
			return "", runerrors.Wrapf(runerrors.KindUsage, err, "bad glob pattern %q", spec.Glob)
		}
		if !ok {
			return "", nil
		}
	}
	resolved, err := r.gate.Resolve(fpath)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func (r *Resolver) ignoreMatcher(spec Spec) (*ignore.GitIgnore, error) {
	if spec.DisableIgnore {
		return nil, nil
	}
	if spec.IgnoreFile != "" {
		matcher, err := ignore.CompileIgnoreFile(spec.IgnoreFile)
		if err != nil {
			return nil, runerrors.Wrapf(runerrors.KindNotFound, err,
				"cannot read ignore file %s", spec.IgnoreFile)
		}
		return matcher, nil
	}
	candidate := filepath.Join(spec.Path, ".gitignore")
	if _, err := os.Stat(candidate); err != nil {
		return nil, nil
	}
	matcher, err := ignore.CompileIgnoreFile(candidate)
	if err != nil {
		r.logger.Warn("ignoring unreadable %s: %v", candidate, err)
		return nil, nil
	}
	return matcher, nil
}
