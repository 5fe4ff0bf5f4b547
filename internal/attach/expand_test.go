package attach

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func dirSpec(path string, mutate func(*Spec)) Spec {
	spec := Spec{
		Alias:   "src",
		Path:    path,
		Targets: []Target{TargetCodeExec},
		Kind:    KindDir,
	}
	if mutate != nil {
		mutate(&spec)
	}
	return spec
}

func TestExpandDirNonRecursive(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "b.txt", "b")
	writeFile(t, base, "a.txt", "a")
	writeFile(t, base, "nested/c.txt", "c")

	r := NewResolver(newGate(t, base))
	files, err := r.ExpandDir(dirSpec(base, nil))
	require.NoError(t, err)

	names := baseNames(files)
	require.Equal(t, []string{"a.txt", "b.txt"}, names)
}

func TestExpandDirRecursive(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "top.txt", "t")
	writeFile(t, base, "nested/deep/leaf.txt", "l")

	r := NewResolver(newGate(t, base))
	files, err := r.ExpandDir(dirSpec(base, func(s *Spec) { s.Recursive = true }))
	require.NoError(t, err)
	require.Equal(t, []string{"leaf.txt", "top.txt"}, baseNames(files))
}

func TestExpandDirGlob(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "a.csv", "1")
	writeFile(t, base, "b.csv", "2")
	writeFile(t, base, "notes.md", "3")

	r := NewResolver(newGate(t, base))
	files, err := r.ExpandDir(dirSpec(base, func(s *Spec) { s.Glob = "*.csv" }))
	require.NoError(t, err)
	require.Equal(t, []string{"a.csv", "b.csv"}, baseNames(files))
}

func TestExpandDirHonorsGitignore(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, ".gitignore", "*.log\nbuild/\n")
	writeFile(t, base, "keep.txt", "k")
	writeFile(t, base, "noise.log", "n")
	writeFile(t, base, "build/out.txt", "o")

	r := NewResolver(newGate(t, base))
	files, err := r.ExpandDir(dirSpec(base, func(s *Spec) { s.Recursive = true }))
	require.NoError(t, err)

	names := baseNames(files)
	require.Contains(t, names, "keep.txt")
	require.NotContains(t, names, "noise.log")
	require.NotContains(t, names, "out.txt")
}

func TestExpandDirIgnoreDisabled(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, ".gitignore", "*.log\n")
	writeFile(t, base, "noise.log", "n")

	r := NewResolver(newGate(t, base), WithIgnoreDisabled(true))
	files, err := r.ExpandDir(dirSpec(base, func(s *Spec) { s.DisableIgnore = true }))
	require.NoError(t, err)
	require.Contains(t, baseNames(files), "noise.log")
}

func TestExpandDirIgnoreOverride(t *testing.T) {
	base := t.TempDir()
	override := writeFile(t, base, "custom.ignore", "*.tmp\n")
	writeFile(t, base, "keep.log", "k")
	writeFile(t, base, "drop.tmp", "d")

	r := NewResolver(newGate(t, base), WithIgnoreFile(override))
	files, err := r.ExpandDir(dirSpec(base, func(s *Spec) { s.IgnoreFile = override }))
	require.NoError(t, err)

	names := baseNames(files)
	require.Contains(t, names, "keep.log")
	require.NotContains(t, names, "drop.tmp")
}

func baseNames(paths []string) []string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return names
}
