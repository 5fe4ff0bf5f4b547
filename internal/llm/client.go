// Package llm implements the HTTP client for the vendor's structured-output
// API surface: the /responses endpoint plus the file, vector-store, and
// container-file endpoints the tool pipeline depends on.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/httpclient"
	"schemarun/internal/logging"
	"schemarun/internal/version"
)

const (
	// DefaultBaseURL is used when no SCHEMARUN_API_BASE override is set.
	DefaultBaseURL = "https://api.openai.com/v1"

	defaultTimeout = 120 * time.Second

	defaultMaxRetries = 2

	// maxJSONResponseBytes caps how much of a JSON endpoint body is read.
	// Container file downloads have their own, larger cap.
	maxJSONResponseBytes = 50 << 20
)

// Config carries the connection settings for the API client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string

	// MaxRetries bounds automatic retries of transient failures on the
	// JSON endpoints. Zero means the default; negative disables retries.
	MaxRetries int

	UserAgent string

	// HTTPClient overrides the default transport. Tests use this to point
	// at local fixtures without touching proxy or timeout defaults.
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Client holds fields shared by every endpoint family. All methods are safe
// for concurrent use.
type Client struct {
	apiKey     string
	baseURL    string
	userAgent  string
	headers    map[string]string
	maxRetries int
	httpClient *http.Client
	logger     logging.Logger
}

// New builds a Client from config, applying the vendor defaults for base URL
// and timeout.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, runerrors.New(runerrors.KindUsage, "no API key configured").
			WithHint("Set SCHEMARUN_API_KEY (or OPENAI_API_KEY) in the environment.")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logger := config.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("llm")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.NewWithCircuitBreaker(timeout, logger, "llm")
	}

	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	userAgent := strings.TrimSpace(config.UserAgent)
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	headers := make(map[string]string, len(config.Headers))
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &Client{
		apiKey:     config.APIKey,
		baseURL:    baseURL,
		userAgent:  userAgent,
		headers:    headers,
		maxRetries: maxRetries,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the resolved API base, without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// newRequest builds a request with the standard headers: Accept, User-Agent,
// Bearer authorization, and any configured custom headers.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindInternal, err, "build %s %s request", method, path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// postJSON sends payload to path and returns the response body for 2xx
// statuses. Non-2xx statuses are mapped into the error taxonomy.
func (c *Client) postJSON(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindInternal, err, "encode %s payload", path)
	}

	return c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, body)
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	return c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, nil)
	}, nil)
}

func (c *Client) deleteJSON(ctx context.Context, path string) ([]byte, error) {
	return c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodDelete, path, nil)
	}, nil)
}

// doJSON executes a JSON request, retrying transient failures. The request
// is rebuilt per attempt because a consumed body cannot be replayed.
func (c *Client) doJSON(ctx context.Context, build func(context.Context) (*http.Request, error), reqBody []byte) ([]byte, error) {
	attempt := func(ctx context.Context) ([]byte, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.do(req, reqBody)
	}
	if c.maxRetries <= 0 {
		return attempt(ctx)
	}
	config := runerrors.DefaultRetryConfig()
	config.MaxAttempts = c.maxRetries
	return runerrors.RetryWithResultAndLog(ctx, config, attempt, c.logger)
}

// do executes req, logs the exchange at debug level, and returns the body
// for 2xx statuses. reqBody is the already-encoded request body, passed in
// only for logging.
func (c *Client) do(req *http.Request, reqBody []byte) ([]byte, error) {
	prefix := fmt.Sprintf("[req:%s] ", newRequestID())
	c.logRequest(prefix, req, reqBody)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, runerrors.WrapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := httpclient.ReadAllWithLimit(resp.Body, maxJSONResponseBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			return nil, runerrors.Wrap(runerrors.KindAPI, err, "API response exceeded the size limit")
		}
		return nil, runerrors.WrapTransportError(err)
	}

	c.logResponse(prefix, resp, body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, runerrors.MapHTTPError(resp.StatusCode, body, resp.Header)
	}
	return body, nil
}

// decode unmarshals a 2xx body into out, flagging envelope drift as an API
// error rather than an internal one.
func decode(body []byte, out any, what string) error {
	if err := json.Unmarshal(body, out); err != nil {
		return runerrors.Wrapf(runerrors.KindAPI, err, "malformed %s envelope from the API", what)
	}
	return nil
}

func (c *Client) logRequest(prefix string, req *http.Request, body []byte) {
	c.logger.Debug("%s=== API Request ===", prefix)
	c.logger.Debug("%sURL: %s %s", prefix, req.Method, req.URL.String())
	c.logger.Debug("%sRequest Headers:", prefix)
	for k, v := range req.Header {
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "x-api-key") {
			c.logger.Debug("%s  %s: (hidden)", prefix, k)
		} else {
			c.logger.Debug("%s  %s: %s", prefix, k, strings.Join(v, ", "))
		}
	}
	if len(body) > 0 {
		c.logger.Debug("%sRequest Body:\n%s", prefix, prettyJSON(redactDataURIs(string(body))))
	}
}

func (c *Client) logResponse(prefix string, resp *http.Response, body []byte) {
	c.logger.Debug("%s=== API Response ===", prefix)
	c.logger.Debug("%sStatus: %d %s", prefix, resp.StatusCode, http.StatusText(resp.StatusCode))
	c.logger.Debug("%sResponse Headers:", prefix)
	for k, v := range resp.Header {
		c.logger.Debug("%s  %s: %s", prefix, k, strings.Join(v, ", "))
	}
	if len(body) > 0 {
		c.logger.Debug("%sResponse Body:\n%s", prefix, prettyJSON(redactDataURIs(string(body))))
	}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// prettyJSON indents a JSON document for debug logs, returning the input
// unchanged when it does not parse. Bodies above 64 KiB are truncated.
func prettyJSON(s string) string {
	const logBodyLimit = 64 << 10
	truncated := false
	if len(s) > logBodyLimit {
		s = s[:logBodyLimit]
		truncated = true
	}
	out := s
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err == nil {
		out = buf.String()
	}
	if truncated {
		out += "\n... (truncated)"
	}
	return out
}

var dataURIPattern = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=\\]+`)

// redactDataURIs replaces base64 payloads embedded in request bodies so debug
// logs stay readable and never persist raw file content.
func redactDataURIs(s string) string {
	return dataURIPattern.ReplaceAllStringFunc(s, func(m string) string {
		head, rest, ok := strings.Cut(m, ",")
		if !ok {
			return "data:(redacted)"
		}
		return fmt.Sprintf("%s,(%d base64 chars redacted)", head, len(rest))
	})
}
