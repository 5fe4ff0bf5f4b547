package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	runerrors "schemarun/internal/errors"
)

func TestReadOSTCapsSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "big.ost")
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), 1<<20+1), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := readOST(path)
	if !runerrors.IsKind(err, runerrors.KindPromptTooLarge) {
		t.Fatalf("expected size-cap error, got %v", err)
	}
}

func TestReadOSTMissingFile(t *testing.T) {
	t.Parallel()
	_, err := readOST(filepath.Join(t.TempDir(), "absent.ost"))
	if !runerrors.IsKind(err, runerrors.KindNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestRunxRejectsSchemalessTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.ost")
	content := "---\ncli:\n  name: plain\n---\nJust a body with no schema."
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cmd := newRunxCommand(new(string))
	err := runTemplateProgram(cmd, &runFlags{}, "", path)
	if !runerrors.IsKind(err, runerrors.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
