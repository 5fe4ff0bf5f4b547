package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

// NewWithCircuitBreaker returns an outbound client whose transport trips
// open after repeated failures, so a dead upstream fails fast instead of
// burning the whole run timeout one request at a time.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	if name == "" {
		name = "outbound"
	}
	client := New(timeout, logger)
	client.Transport = &guardedTransport{
		next:    client.Transport,
		breaker: runerrors.NewCircuitBreaker(name, runerrors.DefaultCircuitBreakerConfig()),
	}
	return client
}

// guardedTransport consults a circuit breaker around every round trip.
// Server errors and 429 count as failures. A canceled context does not:
// the caller gave up, not the upstream.
type guardedTransport struct {
	next    http.RoundTripper
	breaker *runerrors.CircuitBreaker
}

func (g *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := g.next.RoundTrip(req)
	switch {
	case errors.Is(err, context.Canceled):
		g.breaker.Mark(nil)
	case err != nil:
		g.breaker.Mark(err)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		g.breaker.Mark(fmt.Errorf("upstream status %d", resp.StatusCode))
	default:
		g.breaker.Mark(nil)
	}
	return resp, err
}
