// Package retrieval drives the file-search tool: it indexes the routed files
// into a vendor vector store and exposes the store to the model.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"schemarun/internal/attach"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/llm"
	"schemarun/internal/logging"
	"schemarun/internal/upload"
)

// StoreStatus is the driver-level view of a vector store's lifecycle.
type StoreStatus string

const (
	StatusCreating StoreStatus = "CREATING"
	StatusIndexing StoreStatus = "INDEXING"
	StatusReady    StoreStatus = "READY"
	StatusFailed   StoreStatus = "FAILED"
)

// mapStoreStatus folds the vendor's status strings onto the lifecycle.
// Unknown strings are treated as still-creating rather than failed.
func mapStoreStatus(vendor string) StoreStatus {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "completed":
		return StatusReady
	case "in_progress":
		return StatusIndexing
	case "failed", "expired":
		return StatusFailed
	default:
		return StatusCreating
	}
}

// maxIndexBytes is the per-file ceiling enforced before upload.
const maxIndexBytes = 100 << 20

// indexableExtensions is the vendor's supported set for search indexing.
// Files outside it upload fine but may be rejected at indexing time.
var indexableExtensions = map[string]bool{
	".c": true, ".cpp": true, ".cs": true, ".css": true, ".doc": true,
	".docx": true, ".go": true, ".html": true, ".java": true, ".js": true,
	".json": true, ".md": true, ".pdf": true, ".php": true, ".pptx": true,
	".py": true, ".rb": true, ".sh": true, ".tex": true, ".ts": true,
	".txt": true,
}

// StoreClient is the slice of the API surface the driver needs.
type StoreClient interface {
	CreateVectorStore(ctx context.Context, name string, expireDays int) (*llm.VectorStore, error)
	CreateFileBatch(ctx context.Context, storeID string, fileIDs []string, chunking *llm.ChunkingStrategy) (*llm.FileBatch, error)
	GetVectorStore(ctx context.Context, storeID string) (*llm.VectorStore, error)
	DeleteVectorStore(ctx context.Context, storeID string) error
}

// Options configures the driver.
type Options struct {
	// StoreName overrides the generated schemarun-<run id> name.
	StoreName string
	RunID     string

	// TTLDays expires idle stores server-side; default 7.
	TTLDays int

	PollTimeout  time.Duration // default 60s
	PollInterval time.Duration // default 2s

	// KeepStore leaves the store alive after the run.
	KeepStore bool

	// ChunkSizeTokens/ChunkOverlapTokens override the vendor's automatic
	// chunking. Zero values keep the default.
	ChunkSizeTokens    int
	ChunkOverlapTokens int

	Retry runerrors.RetryConfig
}

// Driver implements the retrieval tool lifecycle.
type Driver struct {
	client  StoreClient
	uploads *upload.Manager
	opts    Options
	logger  logging.Logger

	mu       sync.Mutex
	storeID  string
	prepared bool
	prepErr  error
}

// NewDriver validates opts and builds the driver. Chunking overrides are
// checked here so a bad flag fails before any remote call: the vendor wants
// chunk sizes in [100, 4096] tokens and an overlap of at most half the size.
func NewDriver(client StoreClient, uploads *upload.Manager, opts Options, logger logging.Logger) (*Driver, error) {
	if opts.TTLDays == 0 {
		opts.TTLDays = 7
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 60 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = runerrors.DefaultRetryConfig()
	}

	if opts.ChunkOverlapTokens > 0 && opts.ChunkSizeTokens == 0 {
		return nil, runerrors.New(runerrors.KindUsage, "chunk overlap requires a chunk size").
			WithHint("Set --fs-chunk-size together with --fs-chunk-overlap.")
	}
	if opts.ChunkSizeTokens > 0 {
		if opts.ChunkSizeTokens < 100 || opts.ChunkSizeTokens > 4096 {
			return nil, runerrors.Newf(runerrors.KindUsage,
				"chunk size %d is outside the supported range 100-4096 tokens", opts.ChunkSizeTokens)
		}
		if opts.ChunkOverlapTokens*2 > opts.ChunkSizeTokens {
			return nil, runerrors.Newf(runerrors.KindUsage,
				"chunk overlap %d exceeds half the chunk size %d",
				opts.ChunkOverlapTokens, opts.ChunkSizeTokens)
		}
	}

	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retrieval")
	}
	return &Driver{
		client:  client,
		uploads: uploads,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Name implements tools.Driver.
func (d *Driver) Name() string { return "retrieval" }

// StoreID returns the created store's ID, empty before Prepare.
func (d *Driver) StoreID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.storeID
}

// Prepare validates the routed files, uploads them through the shared
// manager, creates the vector store, attaches the files, and waits for the
// index to come up. A poll timeout is not an error: the store usually
// finishes indexing moments later and partial indexes are queryable.
func (d *Driver) Prepare(ctx context.Context) error {
	if err := d.prepare(ctx); err != nil {
		d.mu.Lock()
		d.prepErr = err
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Driver) prepare(ctx context.Context) error {
	paths := d.uploads.PathsFor(attach.ToolRetrieval)
	if len(paths) == 0 {
		d.logger.Warn("retrieval enabled but no files are routed to it; no store will be created")
		d.mu.Lock()
		d.prepared = true
		d.mu.Unlock()
		return nil
	}
	if err := preValidate(paths, d.logger); err != nil {
		return err
	}

	if _, err := d.uploads.UploadFor(ctx, attach.ToolRetrieval); err != nil {
		return err
	}
	fileIDs := d.uploads.IDsFor(attach.ToolRetrieval)

	store, err := runerrors.RetryWithResultAndLog(ctx, d.opts.Retry, func(ctx context.Context) (*llm.VectorStore, error) {
		return d.client.CreateVectorStore(ctx, d.storeName(), d.opts.TTLDays)
	}, d.logger)
	if err != nil {
		return runerrors.Wrapf(runerrors.KindVectorStoreFailed, err, "create vector store %q", d.storeName())
	}
	d.logger.Info("created vector store %s (%s, expires after %d idle days)", store.ID, store.Name, d.opts.TTLDays)

	d.mu.Lock()
	d.storeID = store.ID
	d.mu.Unlock()

	_, err = runerrors.RetryWithResultAndLog(ctx, d.opts.Retry, func(ctx context.Context) (*llm.FileBatch, error) {
		return d.client.CreateFileBatch(ctx, store.ID, fileIDs, d.chunking())
	}, d.logger)
	if err != nil {
		return runerrors.Wrapf(runerrors.KindVectorStoreFailed, err, "attach %d file(s) to vector store %s", len(fileIDs), store.ID)
	}

	if err := d.waitUntilReady(ctx, store.ID); err != nil {
		return err
	}

	d.mu.Lock()
	d.prepared = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) chunking() *llm.ChunkingStrategy {
	if d.opts.ChunkSizeTokens == 0 {
		return nil
	}
	return &llm.ChunkingStrategy{
		MaxChunkSizeTokens: d.opts.ChunkSizeTokens,
		ChunkOverlapTokens: d.opts.ChunkOverlapTokens,
	}
}

func (d *Driver) storeName() string {
	if d.opts.StoreName != "" {
		return d.opts.StoreName
	}
	runID := d.opts.RunID
	if runID == "" {
		runID = uuid.NewString()[:8]
	}
	return "schemarun-" + runID
}

// waitUntilReady polls the store until it reports ready or failed. A FAILED
// status stops immediately; running out the poll window only warns.
func (d *Driver) waitUntilReady(ctx context.Context, storeID string) error {
	deadline := time.Now().Add(d.opts.PollTimeout)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		store, err := d.client.GetVectorStore(ctx, storeID)
		switch {
		case err != nil:
			d.logger.Warn("poll of vector store %s failed: %v", storeID, err)
		default:
			switch status := mapStoreStatus(store.Status); status {
			case StatusReady:
				if store.FileCounts.Failed > 0 {
					d.logger.Warn("%d of %d file(s) failed to index; the rest are searchable",
						store.FileCounts.Failed, store.FileCounts.Total)
				}
				d.logger.Info("vector store %s ready (%d file(s) indexed)", storeID, store.FileCounts.Completed)
				return nil
			case StatusFailed:
				return runerrors.Newf(runerrors.KindVectorStoreFailed,
					"vector store %s reported status %s while indexing", storeID, store.Status).
					WithHint("The store was created but indexing failed. Check the attached files for unsupported or corrupt content.").
					WithContext("failed_files", fmt.Sprintf("%d of %d", store.FileCounts.Failed, store.FileCounts.Total))
			default:
				d.logger.Debug("vector store %s: %s (%d/%d indexed)",
					storeID, status, store.FileCounts.Completed, store.FileCounts.Total)
			}
		}

		if time.Now().After(deadline) {
			d.logger.Warn("vector store %s not ready after %s; proceeding, indexing usually completes in the background",
				storeID, d.opts.PollTimeout)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for vector store %s: %w", storeID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ToolConfigs implements tools.Driver. No store means no tool entry.
func (d *Driver) ToolConfigs() []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.storeID == "" {
		return nil
	}
	return []map[string]any{{
		"type":             "file_search",
		"vector_store_ids": []string{d.storeID},
	}}
}

// Cleanup deletes the vector store unless the user asked to keep it. File
// deletions are owned by the shared upload manager's ledger. Never raises.
func (d *Driver) Cleanup(ctx context.Context) error {
	d.mu.Lock()
	storeID := d.storeID
	d.mu.Unlock()

	if storeID == "" {
		return nil
	}
	if d.opts.KeepStore {
		d.logger.Info("keeping vector store %s; it expires after %d idle days", storeID, d.opts.TTLDays)
		return nil
	}
	if err := d.client.DeleteVectorStore(ctx, storeID); err != nil {
		d.logger.Warn("cleanup: could not delete vector store %s: %v", storeID, err)
		return nil
	}
	d.mu.Lock()
	d.storeID = ""
	d.mu.Unlock()
	d.logger.Debug("cleanup: deleted vector store %s", storeID)
	return nil
}

// Health implements tools.HealthReporter.
func (d *Driver) Health(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.prepErr != nil {
		return fmt.Errorf("retrieval preparation failed: %w", d.prepErr)
	}
	if !d.prepared {
		return runerrors.NewDegradedError(nil, "retrieval not prepared yet", "")
	}
	return nil
}

// preValidate applies the local checks that catch indexing failures before
// any bytes are uploaded. Unsupported extensions only warn: the vendor list
// changes and a stale local copy must not block a run.
func preValidate(paths []string, logger logging.Logger) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return runerrors.Wrapf(runerrors.KindNotFound, err, "retrieval file %s disappeared before upload", path)
		}
		if info.Size() == 0 {
			return runerrors.Newf(runerrors.KindUsage, "retrieval file %s is empty", path).
				WithHint("The index rejects empty files. Remove it from --fs or add content.")
		}
		if info.Size() > maxIndexBytes {
			return runerrors.Newf(runerrors.KindUsage, "retrieval file %s is %d bytes, over the %d MiB indexing limit",
				path, info.Size(), maxIndexBytes>>20)
		}
		if ext := strings.ToLower(filepath.Ext(path)); !indexableExtensions[ext] {
			logger.Warn("%s may not be indexable (extension %q is outside the supported set)", filepath.Base(path), ext)
		}
	}
	return nil
}
