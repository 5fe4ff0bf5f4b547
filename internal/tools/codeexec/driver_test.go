package codeexec

import (
	"context"
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
	"schemarun/internal/upload"
)

type fakeDownloadClient struct {
	mu         sync.Mutex
	statSizes  map[string]int64
	statErrs   map[string]error
	containers map[string][]byte
	files      map[string][]byte
	fileErrs   map[string]error

	statCalls     []string
	downloadCalls []string
}

func (f *fakeDownloadClient) StatContainerFile(_ context.Context, containerID, fileID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := containerID + "/" + fileID
	f.statCalls = append(f.statCalls, key)
	if err, ok := f.statErrs[key]; ok {
		return 0, err
	}
	if size, ok := f.statSizes[key]; ok {
		return size, nil
	}
	return int64(len(f.containers[key])), nil
}

func (f *fakeDownloadClient) DownloadContainerFile(_ context.Context, containerID, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := containerID + "/" + fileID
	f.downloadCalls = append(f.downloadCalls, key)
	data, ok := f.containers[key]
	if !ok {
		return nil, runerrors.MapHTTPError(404, nil, nil)
	}
	return data, nil
}

func (f *fakeDownloadClient) DownloadFileContent(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls = append(f.downloadCalls, fileID)
	if err, ok := f.fileErrs[fileID]; ok {
		return nil, err
	}
	data, ok := f.files[fileID]
	if !ok {
		return nil, runerrors.MapHTTPError(404, nil, nil)
	}
	return data, nil
}

type stubUploader struct{}

func (stubUploader) UploadFile(_ context.Context, filename string, content io.Reader, _ string) (*llm.FileObject, error) {
	if _, err := io.ReadAll(content); err != nil {
		return nil, err
	}
	return &llm.FileObject{ID: "file-" + filepath.Base(filename), Filename: filename}, nil
}

func (stubUploader) DeleteFile(context.Context, string) error { return nil }

func newTestDriver(t *testing.T, base string, client Client, opts Options) *Driver {
	t.Helper()

	gate, err := security.New(base)
	require.NoError(t, err)
	resolver := attach.NewResolver(gate, attach.WithLogger(logging.Nop()))
	uploads := upload.NewManager(stubUploader{}, resolver,
		upload.WithLogger(logging.Nop()),
		upload.WithRetryConfig(runerrors.RetryConfig{
			MaxAttempts:  1,
			BaseDelay:    time.Millisecond,
			MaxDelay:     time.Millisecond,
			JitterFactor: 0,
		}),
	)
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(base, "downloads")
	}

	d, err := NewDriver(client, uploads, gate, opts, logging.Nop())
	require.NoError(t, err)
	return d
}

func responseWithArtifacts() *llm.Response {
	return &llm.Response{
		Output: []llm.OutputItem{
			{
				Type: "message",
				Role: "assistant",
				Content: []llm.ContentPart{{
					Type: "output_text",
					Text: "Chart written to plot.png.",
					Annotations: []llm.Annotation{{
						Type:        "container_file_citation",
						ContainerID: "cntr-1",
						FileID:      "cfile_1",
						Filename:    "plot.png",
					}},
				}},
			},
			{
				Type:        "code_interpreter_call",
				ContainerID: "cntr-1",
				Results: []llm.CodeExecResult{{
					Type: "files",
					Files: []llm.CodeExecFile{
						{FileID: "cfile_1", Filename: "plot.png"},
						{FileID: "file-extra", Filename: "summary.csv"},
					},
				}},
			},
		},
	}
}

func TestExtractArtifactsMergesCitationsAndResults(t *testing.T) {
	t.Parallel()

	artifacts := ExtractArtifacts(responseWithArtifacts())
	require.Len(t, artifacts, 2)
	require.Equal(t, Artifact{FileID: "cfile_1", ContainerID: "cntr-1", Filename: "plot.png"}, artifacts[0])
	require.Equal(t, Artifact{FileID: "file-extra", ContainerID: "cntr-1", Filename: "summary.csv"}, artifacts[1])
}

func TestExtractArtifactsFillsMissingContainer(t *testing.T) {
	t.Parallel()

	resp := &llm.Response{
		Output: []llm.OutputItem{
			{
				Type: "message",
				Content: []llm.ContentPart{{
					Type: "output_text",
					Annotations: []llm.Annotation{{
						Type:   "container_file_citation",
						FileID: "cfile_9",
					}},
				}},
			},
			{
				Type:        "code_interpreter_call",
				ContainerID: "cntr-7",
				Results: []llm.CodeExecResult{{
					Type:  "files",
					Files: []llm.CodeExecFile{{FileID: "cfile_9", Filename: "out.txt"}},
				}},
			},
		},
	}

	artifacts := ExtractArtifacts(resp)
	require.Len(t, artifacts, 1)
	require.Equal(t, "cntr-7", artifacts[0].ContainerID)
	require.Equal(t, "out.txt", artifacts[0].Filename)
}

func TestDownloadRoutesByFileIDPrefix(t *testing.T) {
	base := t.TempDir()
	client := &fakeDownloadClient{
		containers: map[string][]byte{"cntr-1/cfile_1": []byte("png-bytes")},
		files:      map[string][]byte{"file-extra": []byte("a,b\n")},
	}
	d := newTestDriver(t, base, client, Options{})

	got, err := d.Download(context.Background(), responseWithArtifacts())
	require.NoError(t, err)
	require.Len(t, got, 2)

	plot, err := os.ReadFile(got[0].Path)
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(plot))
	require.Equal(t, int64(len("png-bytes")), got[0].Size)

	require.Equal(t, []string{"cntr-1/cfile_1"}, client.statCalls)
	require.Equal(t, []string{"cntr-1/cfile_1", "file-extra"}, client.downloadCalls)
}

func TestDownloadContainerExpired(t *testing.T) {
	base := t.TempDir()
	client := &fakeDownloadClient{
		statErrs: map[string]error{
			"cntr-1/cfile_1": runerrors.MapHTTPError(404, []byte(`{"error":{"message":"not found"}}`), nil),
		},
		files: map[string][]byte{"file-extra": []byte("x")},
	}
	d := newTestDriver(t, base, client, Options{})

	_, err := d.Download(context.Background(), responseWithArtifacts())
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindContainerExpired))

	var cliErr *runerrors.CLIError
	require.ErrorAs(t, err, &cliErr)
	require.Contains(t, cliErr.Hint, "20 minutes")
	require.Equal(t, runerrors.ExitAPI, runerrors.ExitCodeFor(err))
}

func TestDownloadRejectsOversizedBeforeTransfer(t *testing.T) {
	base := t.TempDir()
	client := &fakeDownloadClient{
		statSizes: map[string]int64{"cntr-1/cfile_1": 200 << 20},
	}
	d := newTestDriver(t, base, client, Options{})

	_, err := d.Download(context.Background(), responseWithArtifacts())
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindDownloadFailed))
	require.Empty(t, client.downloadCalls)
}

func TestDownloadRenameCollision(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "downloads")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plot.png"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plot_1.png"), []byte("older"), 0o644))

	client := &fakeDownloadClient{
		containers: map[string][]byte{"cntr-1/cfile_1": []byte("new")},
		files:      map[string][]byte{"file-extra": []byte("x")},
	}
	d := newTestDriver(t, base, client, Options{DownloadDir: dir, Collision: CollisionRename})

	got, err := d.Download(context.Background(), responseWithArtifacts())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "plot_2.png"), got[0].Path)

	old, err := os.ReadFile(filepath.Join(dir, "plot.png"))
	require.NoError(t, err)
	require.Equal(t, "old", string(old))
}

func TestDownloadSkipCollision(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "downloads")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.csv"), []byte("keep"), 0o644))

	client := &fakeDownloadClient{
		containers: map[string][]byte{"cntr-1/cfile_1": []byte("png")},
		files:      map[string][]byte{"file-extra": []byte("replaced?")},
	}
	d := newTestDriver(t, base, client, Options{DownloadDir: dir, Collision: CollisionSkip})

	got, err := d.Download(context.Background(), responseWithArtifacts())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "plot.png", filepath.Base(got[0].Path))

	kept, err := os.ReadFile(filepath.Join(dir, "summary.csv"))
	require.NoError(t, err)
	require.Equal(t, "keep", string(kept))
}

func TestDownloadOverwriteCollision(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "downloads")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plot.png"), []byte("old"), 0o644))

	client := &fakeDownloadClient{
		containers: map[string][]byte{"cntr-1/cfile_1": []byte("new")},
		files:      map[string][]byte{"file-extra": []byte("x")},
	}
	d := newTestDriver(t, base, client, Options{DownloadDir: dir})

	got, err := d.Download(context.Background(), responseWithArtifacts())
	require.NoError(t, err)

	replaced, err := os.ReadFile(got[0].Path)
	require.NoError(t, err)
	require.Equal(t, "new", string(replaced))
}

func TestDownloadExtensionFilter(t *testing.T) {
	base := t.TempDir()
	client := &fakeDownloadClient{
		containers: map[string][]byte{"cntr-1/cfile_1": []byte("png")},
	}
	d := newTestDriver(t, base, client, Options{ExtensionFilters: []string{".png"}})

	got, err := d.Download(context.Background(), responseWithArtifacts())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "plot.png", filepath.Base(got[0].Path))
	require.NotContains(t, client.downloadCalls, "file-extra")
}

func TestDownloadSanitizesHostilePaths(t *testing.T) {
	base := t.TempDir()
	resp := &llm.Response{
		Output: []llm.OutputItem{{
			Type:        "code_interpreter_call",
			ContainerID: "cntr-1",
			Results: []llm.CodeExecResult{{
				Type:  "files",
				Files: []llm.CodeExecFile{{FileID: "cfile_1", Filename: "../../etc/passwd"}},
			}},
		}},
	}
	client := &fakeDownloadClient{
		containers: map[string][]byte{"cntr-1/cfile_1": []byte("data")},
	}
	d := newTestDriver(t, base, client, Options{})

	got, err := d.Download(context.Background(), resp)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "passwd", filepath.Base(got[0].Path))
	require.True(t, strings.HasPrefix(got[0].Path, filepath.Join(base, "downloads")))
}

func TestDownloadEmptyResponse(t *testing.T) {
	base := t.TempDir()
	d := newTestDriver(t, base, &fakeDownloadClient{}, Options{})

	got, err := d.Download(context.Background(), &llm.Response{})
	require.NoError(t, err)
	require.Empty(t, got)
	_, statErr := os.Stat(filepath.Join(base, "downloads"))
	require.True(t, os.IsNotExist(statErr))
}

func TestNewDriverRejectsFilterWithoutDot(t *testing.T) {
	base := t.TempDir()
	gate, err := security.New(base)
	require.NoError(t, err)

	_, err = NewDriver(&fakeDownloadClient{}, nil, gate, Options{ExtensionFilters: []string{"png"}}, logging.Nop())
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindUsage))
}

func TestPrepareAndToolConfigs(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	d := newTestDriver(t, base, &fakeDownloadClient{}, Options{})

	plan, err := attach.BuildPlan([]attach.Spec{{
		Alias:   "data",
		Path:    path,
		Targets: []attach.Target{attach.TargetCodeExec},
		Kind:    attach.KindFile,
	}}, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.uploads.Register(plan))

	require.NoError(t, d.Prepare(context.Background()))
	require.NoError(t, d.Health(context.Background()))

	configs := d.ToolConfigs()
	require.Len(t, configs, 1)
	require.Equal(t, "code_interpreter", configs[0]["type"])

	container, ok := configs[0]["container"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "auto", container["type"])
	require.Equal(t, []string{"file-data.csv"}, container["file_ids"])
}

func TestToolConfigsWithoutFiles(t *testing.T) {
	base := t.TempDir()
	d := newTestDriver(t, base, &fakeDownloadClient{}, Options{})

	configs := d.ToolConfigs()
	require.Len(t, configs, 1)
	container := configs[0]["container"].(map[string]any)
	require.Equal(t, "auto", container["type"])
	_, present := container["file_ids"]
	require.False(t, present)
}

func TestParseCollisionStrategy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    CollisionStrategy
		wantErr bool
	}{
		{"", CollisionOverwrite, false},
		{"overwrite", CollisionOverwrite, false},
		{"RENAME", CollisionRename, false},
		{" skip ", CollisionSkip, false},
		{"bogus", "", true},
	}
	for _, tc := range cases {
		got, err := ParseCollisionStrategy(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			require.True(t, runerrors.IsKind(err, runerrors.KindUsage))
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseValidationLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    ValidationLevel
		wantErr bool
	}{
		{"", ValidationBasic, false},
		{"off", ValidationOff, false},
		{"Basic", ValidationBasic, false},
		{"STRICT", ValidationStrict, false},
		{"paranoid", "", true},
	}
	for _, tc := range cases {
		got, err := ParseValidationLevel(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}
