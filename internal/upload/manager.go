// Package upload deduplicates file uploads across tool drivers. Every unique
// file identity is sent to the API at most once per run; the remote ID fans
// out to every tool that requested the file. The manager also owns the
// cleanup ledger of remote IDs created during the run.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"schemarun/internal/attach"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/fileid"
	"schemarun/internal/llm"
	"schemarun/internal/logging"
)

// Client is the slice of the API surface the manager needs.
type Client interface {
	UploadFile(ctx context.Context, filename string, content io.Reader, purpose string) (*llm.FileObject, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Record tracks one unique file through the upload lifecycle. RemoteID is
// immutable once assigned.
type Record struct {
	Path      string
	Alias     string
	Identity  fileid.Identity
	RemoteID  string
	SizeBytes int64

	pending   map[attach.Tool]bool
	completed map[attach.Tool]bool

	// uploadOnce guards the network transfer so drivers preparing in
	// parallel cannot double-upload a shared identity.
	uploadOnce sync.Once
	uploadErr  error
}

// Manager coordinates at-most-once uploads and best-effort cleanup. Safe for
// concurrent use; uploads themselves run outside the lock.
type Manager struct {
	client   Client
	resolver *attach.Resolver
	algo     fileid.HashAlgo
	retry    runerrors.RetryConfig
	logger   logging.Logger

	mu      sync.Mutex
	records map[string]*Record
	queues  map[attach.Tool][]string
	ledger  []string
	cleaned bool
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithRetryConfig overrides the per-upload retry policy.
func WithRetryConfig(config runerrors.RetryConfig) Option {
	return func(m *Manager) { m.retry = config }
}

// WithHashAlgo sets the identity fallback hash.
func WithHashAlgo(algo fileid.HashAlgo) Option {
	return func(m *Manager) { m.algo = algo }
}

// WithLogger sets the manager logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a manager over the given API client. The resolver is
// used to expand directory attachments into individual files.
func NewManager(client Client, resolver *attach.Resolver, opts ...Option) *Manager {
	m := &Manager{
		client:   client,
		resolver: resolver,
		algo:     fileid.HashSHA256,
		retry:    runerrors.DefaultRetryConfig(),
		logger:   logging.NewComponentLogger("upload"),
		records:  make(map[string]*Record),
		queues:   make(map[attach.Tool][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register walks the routing plan and queues every tool-routed file for
// upload. Directories are expanded here, honouring each spec's recursive and
// glob settings. Re-registering the same identity for another tool only
// extends its pending set.
func (m *Manager) Register(plan *attach.Plan) error {
	type group struct {
		tool  attach.Tool
		files []attach.Spec
		dirs  []attach.Spec
	}
	groups := []group{
		{attach.ToolCodeExec, plan.CodeFiles, plan.CodeDirs},
		{attach.ToolRetrieval, plan.SearchFiles, plan.SearchDirs},
		{attach.ToolUserData, plan.UserFiles, plan.UserDirs},
	}

	for _, g := range groups {
		for _, spec := range g.files {
			if err := m.registerPath(g.tool, spec.Alias, spec.Path); err != nil {
				return err
			}
		}
		for _, spec := range g.dirs {
			paths, err := m.resolver.ExpandDir(spec)
			if err != nil {
				return err
			}
			for _, path := range paths {
				if err := m.registerPath(g.tool, spec.Alias, path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Manager) registerPath(tool attach.Tool, alias, path string) error {
	identity, err := fileid.IdentityFor(path, m.algo)
	if err != nil {
		return runerrors.Wrapf(runerrors.KindNotFound, err, "cannot identify %s for upload", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return runerrors.Wrapf(runerrors.KindNotFound, err, "cannot stat %s for upload", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := identity.Key()
	record, ok := m.records[key]
	if !ok {
		record = &Record{
			Path:      path,
			Alias:     alias,
			Identity:  identity,
			SizeBytes: info.Size(),
			pending:   make(map[attach.Tool]bool),
			completed: make(map[attach.Tool]bool),
		}
		m.records[key] = record
	} else if record.Path != path {
		m.logger.Debug("%s shares an identity with %s; upload will be shared", path, record.Path)
	}

	if !record.pending[tool] && !record.completed[tool] {
		record.pending[tool] = true
		m.queues[tool] = append(m.queues[tool], key)
	}
	return nil
}

type uploadFailure struct {
	path string
	err  error
}

// UploadFor ensures every file queued for tool has a remote ID, uploading
// each at most once. All failures are collected before reporting; on any
// failure no IDs are released to the caller, though successful uploads stay
// on the cleanup ledger.
func (m *Manager) UploadFor(ctx context.Context, tool attach.Tool) (map[string]string, error) {
	m.mu.Lock()
	keys := append([]string(nil), m.queues[tool]...)
	m.mu.Unlock()

	result := make(map[string]string, len(keys))
	var failures []uploadFailure

	for _, key := range keys {
		m.mu.Lock()
		record := m.records[key]
		m.mu.Unlock()

		record.uploadOnce.Do(func() {
			file, err := m.performUpload(ctx, record)
			if err != nil {
				record.uploadErr = err
				return
			}

			m.mu.Lock()
			record.RemoteID = file.ID
			m.ledger = append(m.ledger, file.ID)
			m.mu.Unlock()

			m.logger.Info("uploaded %s (%d bytes) as %s", record.Path, record.SizeBytes, file.ID)
		})

		if record.uploadErr != nil {
			failures = append(failures, uploadFailure{path: record.Path, err: record.uploadErr})
			m.logger.Error("upload of %s failed: %v", record.Path, record.uploadErr)
			continue
		}

		m.mu.Lock()
		remoteID := record.RemoteID
		delete(record.pending, tool)
		record.completed[tool] = true
		m.mu.Unlock()

		m.logger.Debug("file %s available to %s as %s", record.Path, tool, remoteID)
		result[record.Path] = remoteID
	}

	if len(failures) > 0 {
		return nil, m.failureError(tool, failures, len(keys))
	}
	return result, nil
}

func (m *Manager) performUpload(ctx context.Context, record *Record) (*llm.FileObject, error) {
	return runerrors.RetryWithResultAndLog(ctx, m.retry, func(ctx context.Context) (*llm.FileObject, error) {
		f, err := os.Open(record.Path)
		if err != nil {
			return nil, runerrors.Wrapf(runerrors.KindNotFound, err, "open %s", record.Path)
		}
		defer func() { _ = f.Close() }()

		return m.client.UploadFile(ctx, filepath.Base(record.Path), f, "assistants")
	}, m.logger)
}

func (m *Manager) failureError(tool attach.Tool, failures []uploadFailure, total int) error {
	paths := make([]string, len(failures))
	rerouteHint := false
	for i, f := range failures {
		paths[i] = filepath.Base(f.path)
		if looksLikeUnsupportedFile(f.err) {
			rerouteHint = true
		}
	}

	cliErr := runerrors.Newf(runerrors.KindUploadFailed,
		"%d of %d uploads for %s failed", len(failures), total, tool).
		WithContext("tool", string(tool)).
		WithContext("failed_files", strings.Join(paths, ", "))

	if rerouteHint {
		cliErr = cliErr.WithHint("The API refused at least one file type for tool use. Attach the file without --fc/--fs to include its text in the prompt instead, or convert it to a supported format.")
	} else {
		cliErr = cliErr.WithHint("Re-run with --debug for per-file detail. Transient failures were already retried %d times.", m.retry.MaxAttempts)
	}
	return cliErr
}

// looksLikeUnsupportedFile reports whether the vendor rejected the file for
// its type rather than a transient fault.
func looksLikeUnsupportedFile(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "extension") ||
		strings.Contains(msg, "file format") ||
		strings.Contains(msg, "unsupported file") ||
		strings.Contains(msg, "invalid file")
}

// IDsFor returns the remote IDs uploaded for tool, in queue order. Only
// fully-uploaded records are included.
func (m *Manager) IDsFor(tool attach.Tool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.queues[tool]))
	for _, key := range m.queues[tool] {
		record := m.records[key]
		if record.RemoteID != "" && record.completed[tool] {
			ids = append(ids, record.RemoteID)
		}
	}
	return ids
}

// QueuedCount reports how many unique files are queued for tool.
func (m *Manager) QueuedCount(tool attach.Tool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[tool])
}

// PathsFor returns the local paths queued for tool, in queue order.
func (m *Manager) PathsFor(tool attach.Tool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.queues[tool]))
	for _, key := range m.queues[tool] {
		paths = append(paths, m.records[key].Path)
	}
	return paths
}

// RecordLedgerID adds an externally-created remote object (e.g. a file the
// retrieval driver uploaded outside the shared queue) to the cleanup ledger.
func (m *Manager) RecordLedgerID(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaned {
		m.logger.Warn("remote id %s recorded after cleanup; it will not be deleted", id)
		return
	}
	m.ledger = append(m.ledger, id)
}

// Cleanup deletes every remote file created during the run, newest first.
// Failures are logged and never raised; a second call is a no-op.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return nil
	}
	m.cleaned = true
	ids := append([]string(nil), m.ledger...)
	m.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.client.DeleteFile(ctx, ids[i]); err != nil {
			m.logger.Warn("cleanup: could not delete remote file %s: %v", ids[i], err)
		} else {
			m.logger.Debug("cleanup: deleted remote file %s", ids[i])
		}
	}
	return nil
}

// LedgerSize reports how many remote objects are awaiting cleanup.
func (m *Manager) LedgerSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledger)
}

// String implements fmt.Stringer for debug logs.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("upload.Manager{records: %d, ledger: %d}", len(m.records), len(m.ledger))
}
