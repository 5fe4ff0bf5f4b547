package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/httpclient"
	"schemarun/internal/logging"
)

const (
	// maxPayloadBytes caps any payload sent to a remote tool endpoint.
	maxPayloadBytes = 10 << 10

	// maxResponseBytes caps what a remote tool may send back.
	maxResponseBytes = 10 << 20

	probeTimeout = 10 * time.Second
)

// hostilePatterns fail payload screening. Matching is case-insensitive.
var hostilePatterns = []string{
	"../",
	`..\`,
	"<script",
	"${jndi:",
	"drop table",
	"file://",
	"ftp://",
}

// Adapter implements the remote-tool half of the tool bundle. One instance
// covers all configured endpoints.
type Adapter struct {
	endpoints []Endpoint
	limiters  map[string]*rate.Limiter
	breakers  *runerrors.CircuitBreakerManager
	client    *http.Client
	logger    logging.Logger
	skipProbe bool

	mu       sync.Mutex
	prepared bool
	prepErr  error
}

// Option configures the adapter.
type Option func(*Adapter)

func WithLogger(logger logging.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.client = client }
}

// WithoutProbe disables the reachability probe during Prepare.
func WithoutProbe() Option {
	return func(a *Adapter) { a.skipProbe = true }
}

// NewAdapter validates the endpoints and the approval mode. An approval mode
// other than "never" is rejected here, before anything touches the network:
// nobody is around to click through a prompt.
func NewAdapter(endpoints []Endpoint, approval string, opts ...Option) (*Adapter, error) {
	if mode := strings.ToLower(strings.TrimSpace(approval)); mode != "" && mode != "never" {
		return nil, runerrors.Newf(runerrors.KindPolicyViolation,
			"remote tools are configured with approval mode %q, but this run is unattended", approval).
			WithHint("Set the approval mode to never, or drop the remote endpoints.")
	}

	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if _, err := httpclient.ValidateEndpointURL(ep.URL); err != nil {
			return nil, runerrors.Wrapf(runerrors.KindUsage, err, "remote tool endpoint %s", ep.Label)
		}
		if seen[ep.Label] {
			return nil, runerrors.Newf(runerrors.KindUsage, "duplicate remote tool label %q", ep.Label).
				WithHint("Give each endpoint a distinct label with label@url.")
		}
		seen[ep.Label] = true
	}

	a := &Adapter{
		endpoints: append([]Endpoint(nil), endpoints...),
		limiters:  make(map[string]*rate.Limiter, len(endpoints)),
		breakers:  runerrors.NewCircuitBreakerManager(runerrors.DefaultCircuitBreakerConfig()),
	}
	for _, ep := range endpoints {
		a.limiters[ep.Label] = rate.NewLimiter(rate.Limit(1), 10)
	}
	for _, opt := range opts {
		opt(a)
	}
	if logging.IsNil(a.logger) {
		a.logger = logging.NewComponentLogger("remote")
	}
	if a.client == nil {
		a.client = httpclient.New(probeTimeout, a.logger)
	}
	return a, nil
}

// Name implements tools.Driver.
func (a *Adapter) Name() string { return "remote" }

// Endpoints returns a copy of the configured endpoints.
func (a *Adapter) Endpoints() []Endpoint {
	out := make([]Endpoint, len(a.endpoints))
	copy(out, a.endpoints)
	return out
}

// Prepare probes every endpoint so a dead server fails the run before any
// model tokens are spent.
func (a *Adapter) Prepare(ctx context.Context) error {
	if a.skipProbe {
		a.setPrepared(nil)
		return nil
	}
	for _, ep := range a.endpoints {
		if err := a.probe(ctx, ep); err != nil {
			a.setPrepared(err)
			return err
		}
		a.logger.Debug("remote tool endpoint %s (%s) reachable", ep.Label, ep.URL)
	}
	a.setPrepared(nil)
	return nil
}

func (a *Adapter) setPrepared(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prepared = err == nil
	a.prepErr = err
}

// probe issues a rate-limited HEAD through the endpoint's circuit breaker.
// Any HTTP status counts as reachable; many tool servers reject HEAD with
// 405 yet serve tool calls fine.
func (a *Adapter) probe(ctx context.Context, ep Endpoint) error {
	if err := a.limiters[ep.Label].Wait(ctx); err != nil {
		return err
	}
	return a.breakers.Get(ep.Label).Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, ep.URL, nil)
		if err != nil {
			return runerrors.Wrapf(runerrors.KindUsage, err, "remote tool endpoint %s", ep.Label)
		}
		for k, v := range ep.Headers {
			req.Header.Set(k, v)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return runerrors.Wrapf(runerrors.KindUsage, err,
				"remote tool endpoint %s (%s) is unreachable", ep.Label, ep.URL).
				WithHint("Check the URL and network path, or drop the endpoint for this run.")
		}
		resp.Body.Close()
		return nil
	})
}

// Invoke sends a screened payload straight to an endpoint and returns the
// sanitized response body. The run path normally lets the vendor relay tool
// calls; this direct path backs endpoint debugging and health checks.
func (a *Adapter) Invoke(ctx context.Context, label string, payload []byte) ([]byte, error) {
	ep, ok := a.endpoint(label)
	if !ok {
		return nil, runerrors.Newf(runerrors.KindUsage, "no remote tool endpoint labeled %q", label)
	}
	if err := ScreenPayload(payload); err != nil {
		return nil, err
	}
	if err := a.limiters[ep.Label].Wait(ctx); err != nil {
		return nil, err
	}

	var body []byte
	err := a.breakers.Get(ep.Label).Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
		if err != nil {
			return runerrors.Wrapf(runerrors.KindUsage, err, "remote tool endpoint %s", ep.Label)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range ep.Headers {
			req.Header.Set(k, v)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return runerrors.WrapTransportError(err)
		}
		defer resp.Body.Close()

		raw, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
		if err != nil {
			return runerrors.Wrapf(runerrors.KindAPI, err, "read response from remote tool %s", ep.Label)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return runerrors.MapHTTPError(resp.StatusCode, raw, resp.Header)
		}
		body = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return SanitizeJSON(body), nil
}

func (a *Adapter) endpoint(label string) (Endpoint, bool) {
	for _, ep := range a.endpoints {
		if ep.Label == label {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// ToolConfigs implements tools.Driver. Every descriptor pins
// require_approval to never; the adapter would have refused construction
// otherwise.
func (a *Adapter) ToolConfigs() []map[string]any {
	configs := make([]map[string]any, 0, len(a.endpoints))
	for _, ep := range a.endpoints {
		cfg := map[string]any{
			"type":             "mcp",
			"server_label":     ep.Label,
			"server_url":       ep.URL,
			"require_approval": "never",
		}
		if len(ep.AllowedTools) > 0 {
			cfg["allowed_tools"] = append([]string(nil), ep.AllowedTools...)
		}
		if len(ep.Headers) > 0 {
			headers := make(map[string]string, len(ep.Headers))
			for k, v := range ep.Headers {
				headers[k] = v
			}
			cfg["headers"] = headers
		}
		configs = append(configs, cfg)
	}
	return configs
}

// Cleanup implements tools.Driver. Remote endpoints hold no per-run state.
func (a *Adapter) Cleanup(context.Context) error { return nil }

// Health implements tools.HealthReporter. An open circuit breaker degrades
// the adapter rather than failing it: the endpoint may recover mid-run.
func (a *Adapter) Health(context.Context) error {
	a.mu.Lock()
	prepared, prepErr := a.prepared, a.prepErr
	a.mu.Unlock()

	if prepErr != nil {
		return fmt.Errorf("remote tool preparation failed: %w", prepErr)
	}
	if !prepared {
		return runerrors.NewDegradedError(nil, "remote tool endpoints not probed yet", "")
	}
	for _, m := range a.breakers.GetMetrics() {
		if m.State != runerrors.StateClosed {
			return runerrors.NewDegradedError(nil,
				fmt.Sprintf("circuit breaker for %s is %s", m.Name, m.State), "")
		}
	}
	return nil
}

// ScreenPayload rejects oversized or hostile payloads before they leave the
// process.
func ScreenPayload(payload []byte) error {
	if len(payload) > maxPayloadBytes {
		return runerrors.Newf(runerrors.KindPolicyViolation,
			"remote tool payload is %d bytes, over the %d KiB cap", len(payload), maxPayloadBytes>>10)
	}
	lowered := strings.ToLower(string(payload))
	for _, pattern := range hostilePatterns {
		if strings.Contains(lowered, pattern) {
			return runerrors.Newf(runerrors.KindPolicyViolation,
				"remote tool payload contains a blocked pattern (%s)", pattern).
				WithHint("Remove the flagged content from the tool arguments.")
		}
	}
	return nil
}
