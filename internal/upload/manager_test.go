package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schemarun/internal/attach"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/llm"
	"schemarun/internal/logging"
	"schemarun/internal/security"
)

type fakeClient struct {
	mu      sync.Mutex
	uploads []string
	deleted []string
	failFor map[string]error
	nextID  int
}

func (f *fakeClient) UploadFile(_ context.Context, filename string, content io.Reader, purpose string) (*llm.FileObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if purpose != "assistants" {
		return nil, fmt.Errorf("unexpected purpose %q", purpose)
	}
	if err, ok := f.failFor[filename]; ok {
		return nil, err
	}
	if _, err := io.ReadAll(content); err != nil {
		return nil, err
	}

	f.nextID++
	id := fmt.Sprintf("file-%d", f.nextID)
	f.uploads = append(f.uploads, filename)
	return &llm.FileObject{ID: id, Filename: filename}, nil
}

func (f *fakeClient) DeleteFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fileID)
	return nil
}

func (f *fakeClient) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func newTestManager(t *testing.T, base string, client *fakeClient) *Manager {
	t.Helper()

	gate, err := security.New(base)
	require.NoError(t, err)
	resolver := attach.NewResolver(gate, attach.WithLogger(logging.Nop()))

	return NewManager(client, resolver,
		WithLogger(logging.Nop()),
		WithRetryConfig(runerrors.RetryConfig{
			MaxAttempts:  1,
			BaseDelay:    time.Millisecond,
			MaxDelay:     time.Millisecond,
			JitterFactor: 0,
		}),
	)
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func planOf(t *testing.T, specs []attach.Spec) *attach.Plan {
	t.Helper()
	plan, err := attach.BuildPlan(specs, nil, nil, nil)
	require.NoError(t, err)
	return plan
}

func TestUploadSharedAcrossTools(t *testing.T) {
	base := t.TempDir()
	path := writeFile(t, filepath.Join(base, "report.csv"), "a,b\n")

	client := &fakeClient{}
	m := newTestManager(t, base, client)

	plan := planOf(t, []attach.Spec{
		{
			Alias:   "report",
			Path:    path,
			Targets: []attach.Target{attach.TargetCodeExec, attach.TargetRetrieval},
			Kind:    attach.KindFile,
		},
	})
	require.NoError(t, m.Register(plan))

	codeIDs, err := m.UploadFor(context.Background(), attach.ToolCodeExec)
	require.NoError(t, err)
	searchIDs, err := m.UploadFor(context.Background(), attach.ToolRetrieval)
	require.NoError(t, err)

	if client.uploadCount() != 1 {
		t.Fatalf("expected exactly one upload, got %d", client.uploadCount())
	}
	if codeIDs[path] != searchIDs[path] {
		t.Fatalf("expected shared remote id, got %q and %q", codeIDs[path], searchIDs[path])
	}
	if got := m.IDsFor(attach.ToolCodeExec); len(got) != 1 || got[0] != codeIDs[path] {
		t.Fatalf("unexpected code-exec ids: %v", got)
	}
	if got := m.IDsFor(attach.ToolRetrieval); len(got) != 1 || got[0] != codeIDs[path] {
		t.Fatalf("unexpected retrieval ids: %v", got)
	}
	if m.LedgerSize() != 1 {
		t.Fatalf("expected one ledger entry, got %d", m.LedgerSize())
	}
}

func TestUploadForCollectsAllFailures(t *testing.T) {
	base := t.TempDir()
	good := writeFile(t, filepath.Join(base, "good.csv"), "ok\n")
	bad1 := writeFile(t, filepath.Join(base, "bad.exe"), "bin")
	bad2 := writeFile(t, filepath.Join(base, "worse.bin"), "bin")

	client := &fakeClient{failFor: map[string]error{
		"bad.exe":   fmt.Errorf("invalid file format: exe"),
		"worse.bin": fmt.Errorf("invalid file format: bin"),
	}}
	m := newTestManager(t, base, client)

	plan := planOf(t, []attach.Spec{
		{Alias: "good", Path: good, Targets: []attach.Target{attach.TargetCodeExec}, Kind: attach.KindFile},
		{Alias: "bad", Path: bad1, Targets: []attach.Target{attach.TargetCodeExec}, Kind: attach.KindFile},
		{Alias: "worse", Path: bad2, Targets: []attach.Target{attach.TargetCodeExec}, Kind: attach.KindFile},
	})
	require.NoError(t, m.Register(plan))

	ids, err := m.UploadFor(context.Background(), attach.ToolCodeExec)
	if err == nil {
		t.Fatalf("expected error")
	}
	if ids != nil {
		t.Fatalf("expected no ids released on failure, got %v", ids)
	}
	require.True(t, runerrors.IsKind(err, runerrors.KindUploadFailed))
	require.Equal(t, runerrors.ExitAPI, runerrors.ExitCodeFor(err))

	var cliErr *runerrors.CLIError
	require.ErrorAs(t, err, &cliErr)
	require.Contains(t, cliErr.Message, "2 of 3 uploads")
	require.Contains(t, cliErr.Context["failed_files"], "bad.exe")
	require.Contains(t, cliErr.Hint, "without --fc/--fs")

	// The successful upload still has to be reclaimed.
	if m.LedgerSize() != 1 {
		t.Fatalf("expected the good upload on the ledger, got %d entries", m.LedgerSize())
	}
}

func TestCleanupReverseOrderAndIdempotent(t *testing.T) {
	base := t.TempDir()
	first := writeFile(t, filepath.Join(base, "first.csv"), "1\n")
	second := writeFile(t, filepath.Join(base, "second.csv"), "2\n")

	client := &fakeClient{}
	m := newTestManager(t, base, client)

	plan := planOf(t, []attach.Spec{
		{Alias: "first", Path: first, Targets: []attach.Target{attach.TargetCodeExec}, Kind: attach.KindFile},
		{Alias: "second", Path: second, Targets: []attach.Target{attach.TargetCodeExec}, Kind: attach.KindFile},
	})
	require.NoError(t, m.Register(plan))

	_, err := m.UploadFor(context.Background(), attach.ToolCodeExec)
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(context.Background()))
	require.Equal(t, []string{"file-2", "file-1"}, client.deleted)

	require.NoError(t, m.Cleanup(context.Background()))
	require.Len(t, client.deleted, 2)
}

func TestRegisterExpandsDirectories(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "data")
	writeFile(t, filepath.Join(dir, "a.csv"), "a\n")
	writeFile(t, filepath.Join(dir, "b.csv"), "b\n")

	client := &fakeClient{}
	m := newTestManager(t, base, client)

	plan := planOf(t, []attach.Spec{
		{Alias: "data", Path: dir, Targets: []attach.Target{attach.TargetCodeExec}, Kind: attach.KindDir},
	})
	require.NoError(t, m.Register(plan))

	require.Equal(t, 2, m.QueuedCount(attach.ToolCodeExec))

	ids, err := m.UploadFor(context.Background(), attach.ToolCodeExec)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, []string{"a.csv", "b.csv"}, client.uploads)
}

func TestUserDataFilesQueueSeparately(t *testing.T) {
	base := t.TempDir()
	path := writeFile(t, filepath.Join(base, "profile.txt"), "user data\n")

	client := &fakeClient{}
	m := newTestManager(t, base, client)

	plan := planOf(t, []attach.Spec{
		{Alias: "profile", Path: path, Targets: []attach.Target{attach.TargetUserData}, Kind: attach.KindFile},
	})
	require.NoError(t, m.Register(plan))

	require.Equal(t, 1, m.QueuedCount(attach.ToolUserData))
	require.Equal(t, 0, m.QueuedCount(attach.ToolCodeExec))

	ids, err := m.UploadFor(context.Background(), attach.ToolUserData)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestRecordLedgerIDAfterCleanupIsIgnored(t *testing.T) {
	client := &fakeClient{}
	m := newTestManager(t, t.TempDir(), client)

	require.NoError(t, m.Cleanup(context.Background()))
	m.RecordLedgerID("vs-late")
	require.Equal(t, 0, m.LedgerSize())
}

func TestLooksLikeUnsupportedFile(t *testing.T) {
	cases := map[string]bool{
		"invalid file format: exe":  true,
		"unsupported file type":     true,
		"Invalid extension .xyz":    true,
		"connection reset by peer":  false,
		"internal server error 500": false,
	}
	for msg, want := range cases {
		if got := looksLikeUnsupportedFile(fmt.Errorf("%s", msg)); got != want {
			t.Errorf("looksLikeUnsupportedFile(%q) = %v, want %v", msg, got, want)
		}
	}
	if looksLikeUnsupportedFile(fmt.Errorf("weird %s", strings.ToUpper("EXTENSION"))) != true {
		t.Errorf("expected case-insensitive match")
	}
}
