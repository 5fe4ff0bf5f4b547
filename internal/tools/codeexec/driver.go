// Package codeexec drives the remote code-execution tool: it supplies the
// uploaded input files, extracts the file citations the model leaves in its
// response, and downloads the produced artifacts.
package codeexec

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"schemarun/internal/attach"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
	"schemarun/internal/security"
	"schemarun/internal/upload"
)

// CollisionStrategy decides what happens when a downloaded artifact's name
// already exists in the download directory.
type CollisionStrategy string

const (
	CollisionOverwrite CollisionStrategy = "overwrite"
	CollisionRename    CollisionStrategy = "rename"
	CollisionSkip      CollisionStrategy = "skip"
)

// ParseCollisionStrategy normalizes a configured strategy name.
func ParseCollisionStrategy(raw string) (CollisionStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "overwrite":
		return CollisionOverwrite, nil
	case "rename":
		return CollisionRename, nil
	case "skip":
		return CollisionSkip, nil
	default:
		return "", runerrors.Newf(runerrors.KindUsage, "unknown duplicate-outputs strategy %q", raw).
			WithHint("Valid strategies: overwrite, rename, skip.")
	}
}

// ValidationLevel controls which advisory warnings fire after a download.
type ValidationLevel string

const (
	ValidationOff    ValidationLevel = "off"
	ValidationBasic  ValidationLevel = "basic"
	ValidationStrict ValidationLevel = "strict"
)

// ParseValidationLevel normalizes a configured level name.
func ParseValidationLevel(raw string) (ValidationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off":
		return ValidationOff, nil
	case "", "basic":
		return ValidationBasic, nil
	case "strict":
		return ValidationStrict, nil
	default:
		return "", runerrors.Newf(runerrors.KindUsage, "unknown validation level %q", raw).
			WithHint("Valid levels: off, basic, strict.")
	}
}

// Options configures the driver.
type Options struct {
	// DownloadDir receives artifacts; default "./downloads".
	DownloadDir string
	Collision   CollisionStrategy
	Validation  ValidationLevel

	// ExtensionFilters keeps only artifacts with the listed extensions.
	// Each entry must start with ".". Empty keeps everything.
	ExtensionFilters []string
}

// Client is the slice of the API surface the driver downloads through.
type Client interface {
	StatContainerFile(ctx context.Context, containerID, fileID string) (int64, error)
	DownloadContainerFile(ctx context.Context, containerID, fileID string) ([]byte, error)
	DownloadFileContent(ctx context.Context, fileID string) ([]byte, error)
}

// Driver implements the code-execution tool lifecycle.
type Driver struct {
	client  Client
	uploads *upload.Manager
	gate    *security.Gate
	opts    Options
	logger  logging.Logger

	mu       sync.Mutex
	fileIDs  []string
	prepared bool
	prepErr  error
}

// NewDriver validates opts and builds the driver. Extension filters that do
// not start with "." are construction errors.
func NewDriver(client Client, uploads *upload.Manager, gate *security.Gate, opts Options, logger logging.Logger) (*Driver, error) {
	if opts.DownloadDir == "" {
		opts.DownloadDir = "./downloads"
	}
	if opts.Collision == "" {
		opts.Collision = CollisionOverwrite
	}
	if opts.Validation == "" {
		opts.Validation = ValidationBasic
	}
	for _, ext := range opts.ExtensionFilters {
		if !strings.HasPrefix(ext, ".") {
			return nil, runerrors.Newf(runerrors.KindUsage, "extension filter %q must start with a dot", ext).
				WithHint("Write filters as file extensions, e.g. --ci-extensions .png,.csv")
		}
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("codeexec")
	}
	return &Driver{
		client:  client,
		uploads: uploads,
		gate:    gate,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Name implements tools.Driver.
func (d *Driver) Name() string { return "code_exec" }

// Prepare uploads every file routed to code execution. The shared manager
// guarantees files also routed elsewhere are transferred once.
func (d *Driver) Prepare(ctx context.Context) error {
	ids, err := d.uploads.UploadFor(ctx, attach.ToolCodeExec)
	if err != nil {
		d.mu.Lock()
		d.prepErr = err
		d.mu.Unlock()
		return err
	}

	ordered := d.uploads.IDsFor(attach.ToolCodeExec)

	d.mu.Lock()
	d.fileIDs = ordered
	d.prepared = true
	d.mu.Unlock()

	d.logger.Info("code execution ready with %d input file(s)", len(ids))
	return nil
}

// ToolConfigs implements tools.Driver. The container is auto-provisioned by
// the vendor; input files ride along by ID.
func (d *Driver) ToolConfigs() []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	container := map[string]any{"type": "auto"}
	if len(d.fileIDs) > 0 {
		container["file_ids"] = append([]string(nil), d.fileIDs...)
	}
	return []map[string]any{{
		"type":      "code_interpreter",
		"container": container,
	}}
}

// Cleanup implements tools.Driver. Uploaded inputs are owned by the shared
// manager, so there is nothing container-side to release here.
func (d *Driver) Cleanup(context.Context) error {
	return nil
}

// Health implements tools.HealthReporter.
func (d *Driver) Health(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.prepErr != nil {
		return fmt.Errorf("code execution preparation failed: %w", d.prepErr)
	}
	if !d.prepared {
		return runerrors.NewDegradedError(nil, "code execution not prepared yet", "")
	}
	return nil
}
