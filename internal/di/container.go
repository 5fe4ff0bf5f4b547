// Package di wires the run's collaborators (the API client, the shared
// upload manager, and the tool drivers) behind lazy, once-guarded
// constructors with a common teardown.
package di

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"schemarun/internal/attach"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/fileid"
	"schemarun/internal/llm"
	"schemarun/internal/logging"
	"schemarun/internal/security"
	"schemarun/internal/tools"
	"schemarun/internal/tools/codeexec"
	"schemarun/internal/tools/remote"
	"schemarun/internal/tools/retrieval"
	"schemarun/internal/upload"
)

// Config carries everything the container needs to build its services.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string

	RunID string
	Gate  *security.Gate
	Plan  *attach.Plan

	CodeExec  codeexec.Options
	Retrieval retrieval.Options
	Endpoints []remote.Endpoint
	// Approval is the remote-tool approval mode; anything but "never" is
	// rejected when the remote adapter is built.
	Approval string

	// ResolverOpts configure the resolver the upload manager expands
	// directories through, so ignore-file handling matches the CLI flags.
	ResolverOpts []attach.Option

	HashAlgo fileid.HashAlgo
	Retry    runerrors.RetryConfig

	Logger logging.Logger
}

// Container builds each service at most once and remembers every driver it
// handed out so Cleanup can tear them down.
type Container struct {
	cfg    Config
	logger logging.Logger

	clientOnce sync.Once
	client     *llm.Client
	clientErr  error

	resolverOnce sync.Once
	resolver     *attach.Resolver

	uploadsOnce sync.Once
	uploads     *upload.Manager
	uploadsErr  error

	codeOnce sync.Once
	code     *codeexec.Driver
	codeErr  error

	retrOnce sync.Once
	retr     *retrieval.Driver
	retrErr  error

	remoteOnce sync.Once
	remote     *remote.Adapter
	remoteErr  error

	mu    sync.Mutex
	built []tools.Driver
}

// New validates the static configuration. Driver-specific validation happens
// lazily, when the driver is first requested.
func New(cfg Config) (*Container, error) {
	if cfg.Gate == nil {
		return nil, runerrors.New(runerrors.KindInternal, "container built without a security gate")
	}
	if cfg.Plan == nil {
		return nil, runerrors.New(runerrors.KindInternal, "container built without an attachment plan")
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("di")
	}
	return &Container{cfg: cfg, logger: logger}, nil
}

func (c *Container) remember(d tools.Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.built = append(c.built, d)
}

// HealthStatus classifies a driver's post-preparation state.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// HealthCheck probes the named driver. Drivers that were never built, and
// drivers without a health probe, report UNKNOWN. The second return carries
// the diagnostic detail.
func (c *Container) HealthCheck(ctx context.Context, name string) (HealthStatus, string) {
	c.mu.Lock()
	var found tools.Driver
	for _, d := range c.built {
		if d.Name() == name {
			found = d
			break
		}
	}
	c.mu.Unlock()

	if found == nil {
		return HealthUnknown, fmt.Sprintf("driver %s was not built this run", name)
	}
	reporter, ok := found.(tools.HealthReporter)
	if !ok {
		return HealthUnknown, fmt.Sprintf("driver %s has no health probe", name)
	}

	err := reporter.Health(ctx)
	if err == nil {
		return HealthHealthy, ""
	}
	var degraded *runerrors.DegradedError
	if errors.As(err, &degraded) {
		return HealthDegraded, degraded.Error()
	}
	return HealthUnhealthy, err.Error()
}

// Cleanup tears everything down: the upload ledger first (it deletes newest
// first on its own), then the built drivers concurrently. Errors are
// collected, never raised, so one failing teardown cannot block the rest.
func (c *Container) Cleanup(ctx context.Context) []error {
	var errs []error
	var errMu sync.Mutex

	c.mu.Lock()
	uploads := c.uploads
	drivers := append([]tools.Driver(nil), c.built...)
	c.mu.Unlock()

	if uploads != nil {
		if err := uploads.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup uploads: %w", err))
		}
	}

	g := new(errgroup.Group)
	for i := len(drivers) - 1; i >= 0; i-- {
		d := drivers[i]
		g.Go(func() error {
			if err := d.Cleanup(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("cleanup %s: %w", d.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
