// Package tools defines the contract shared by the code-execution,
// retrieval, and remote-endpoint drivers.
package tools

import "context"

// Driver is implemented once per tool kind. The engine prepares drivers
// concurrently, collects their tool configs into one request, and runs their
// cleanups in reverse construction order.
type Driver interface {
	// Name identifies the driver in logs, health checks, and diagnostics.
	Name() string

	// Prepare performs remote-side setup (uploads, store creation,
	// endpoint probes) before the model request is sent.
	Prepare(ctx context.Context) error

	// ToolConfigs returns the entries this driver contributes to the
	// request's tools list. An empty slice means the driver has nothing
	// to send this run.
	ToolConfigs() []map[string]any

	// Cleanup releases remote objects created by Prepare. Best-effort:
	// failures are logged by the driver, never raised.
	Cleanup(ctx context.Context) error
}

// HealthReporter is implemented by drivers that can describe their state
// after preparation. A nil error maps to HEALTHY, a DegradedError to
// DEGRADED, anything else to UNHEALTHY.
type HealthReporter interface {
	Health(ctx context.Context) error
}
