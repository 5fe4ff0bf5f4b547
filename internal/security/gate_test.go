package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	runerrors "schemarun/internal/errors"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Debug(format string, args ...any) { c.append("DEBUG", format, args...) }
func (c *captureLogger) Info(format string, args ...any)  { c.append("INFO", format, args...) }
func (c *captureLogger) Warn(format string, args ...any)  { c.append("WARN", format, args...) }
func (c *captureLogger) Error(format string, args ...any) { c.append("ERROR", format, args...) }

func (c *captureLogger) append(level, format string, args ...any) {
	c.lines = append(c.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestResolveInsideBase(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "data.csv")
	require.NoError(t, os.WriteFile(file, []byte("a,b\n1,2\n"), 0o644))

	gate, err := New(base)
	require.NoError(t, err)

	got, err := gate.Resolve("data.csv")
	require.NoError(t, err)

	resolvedBase, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(resolvedBase, "data.csv"), got)
	require.True(t, gate.IsAllowed(file))
}

func TestResolveTraversalEscape(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0o644))

	gate, err := New(base)
	require.NoError(t, err)

	_, err = gate.Resolve("../secret.txt")
	if err == nil {
		t.Fatal("expected traversal to be rejected in strict mode")
	}
	require.True(t, runerrors.IsKind(err, runerrors.KindTraversal))
	require.Equal(t, runerrors.ExitValidation, runerrors.ExitCodeFor(err))

	var cliErr *runerrors.CLIError
	require.ErrorAs(t, err, &cliErr)
	require.Equal(t, gate.BaseDir(), cliErr.Context["base_dir"])
}

func TestResolveDeniedAbsolutePath(t *testing.T) {
	base := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	gate, err := New(base)
	require.NoError(t, err)

	_, err = gate.Resolve(target)
	require.True(t, runerrors.IsKind(err, runerrors.KindPathDenied))
	require.False(t, gate.IsAllowed(target))
}

func TestResolveNotFound(t *testing.T) {
	gate, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = gate.Resolve("missing.txt")
	require.True(t, runerrors.IsKind(err, runerrors.KindNotFound))
	require.Equal(t, runerrors.ExitValidation, runerrors.ExitCodeFor(err))
}

func TestIsAllowedIgnoresExistence(t *testing.T) {
	base := t.TempDir()
	gate, err := New(base)
	require.NoError(t, err)

	require.True(t, gate.IsAllowed(filepath.Join(base, "not-created-yet.txt")))
	require.False(t, gate.IsAllowed("/etc/passwd"))
}

func TestSymlinkEscapeDenied(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))

	link := filepath.Join(base, "alias.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	gate, err := New(base)
	require.NoError(t, err)
	_, err = gate.Resolve("alias.txt")
	require.True(t, runerrors.IsKind(err, runerrors.KindPathDenied))

	allowed, err := New(base, WithAllowedDirs(outside))
	require.NoError(t, err)
	got, err := allowed.Resolve("alias.txt")
	require.NoError(t, err)

	resolvedSecret, err := filepath.EvalSymlinks(secret)
	require.NoError(t, err)
	require.Equal(t, resolvedSecret, got)
}

func TestAllowedDirsFile(t *testing.T) {
	base := t.TempDir()
	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "ref.txt"), []byte("x"), 0o644))

	listPath := filepath.Join(base, "allow.list")
	content := "# extra directories\n\n" + extra + "\n"
	require.NoError(t, os.WriteFile(listPath, []byte(content), 0o644))

	gate, err := New(base, WithAllowedDirsFile(listPath))
	require.NoError(t, err)
	require.Len(t, gate.AllowedDirs(), 1)

	got, err := gate.Resolve(filepath.Join(extra, "ref.txt"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(got, "ref.txt"))
}

func TestAllowedDirsFileMissing(t *testing.T) {
	_, err := New(t.TempDir(), WithAllowedDirsFile("/nonexistent/allow.list"))
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindNotFound))
}

func TestWarnModeAllowsAndLogs(t *testing.T) {
	base := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	logger := &captureLogger{}
	gate, err := New(base, WithMode(ModeWarn), WithLogger(logger))
	require.NoError(t, err)

	got, err := gate.Resolve(target)
	require.NoError(t, err)
	if got == "" {
		t.Fatal("expected a resolved path in warn mode")
	}
	require.NotEmpty(t, logger.lines)
	require.Contains(t, logger.lines[0], "WARN")
	require.Contains(t, logger.lines[0], "outside the allowed directories")
}

func TestPermissiveModeAllowsSilently(t *testing.T) {
	base := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	logger := &captureLogger{}
	gate, err := New(base, WithMode(ModePermissive), WithLogger(logger))
	require.NoError(t, err)

	_, err = gate.Resolve(target)
	require.NoError(t, err)
	require.NotEmpty(t, logger.lines)
	require.Contains(t, logger.lines[0], "DEBUG")
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in   string
		want Mode
	}{
		{"strict", ModeStrict},
		{"WARN", ModeWarn},
		{" permissive ", ModePermissive},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := ParseMode("lenient")
	require.Error(t, err)
	require.Equal(t, runerrors.ExitUsage, runerrors.ExitCodeFor(err))
}
