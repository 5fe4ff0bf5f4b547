package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure worth retrying. RetryAfter carries the
// server-requested wait in seconds when a Retry-After header supplied one.
type TransientError struct {
	Err        error
	Message    string
	StatusCode int
	RetryAfter int
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix.
type PermanentError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// DegradedError marks a failure the run can absorb with reduced capability,
// like a vector-store poll that never confirmed indexing. FallbackContent,
// when set, is what the caller should use instead.
type DegradedError struct {
	Err             error
	Message         string
	FallbackContent string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("degraded: %v", e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// NewTransientError wraps err with a user-facing message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError wraps err with a user-facing message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// NewDegradedError wraps err with a user-facing message and optional
// fallback content.
func NewDegradedError(err error, message, fallback string) *DegradedError {
	return &DegradedError{Err: err, Message: message, FallbackContent: fallback}
}

// transientKinds are CLIError kinds retry loops may attempt again.
var transientKinds = map[Kind]struct{}{
	KindRateLimited: {},
}

// IsTransient reports whether a retry might succeed. An explicit
// Transient/Permanent wrapper decides outright; otherwise the error is
// probed for rate-limit kinds, network failures, retryable HTTP statuses,
// and connection-level syscall errors. Anything unrecognized is treated as
// permanent so a broken run cannot retry forever.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		if _, ok := transientKinds[cliErr.Kind]; ok {
			return true
		}
	}

	if isNetworkError(err) {
		return true
	}
	if status := statusCodeIn(err); status > 0 {
		return transientStatus(status)
	}
	return isConnectionErrno(err)
}

// IsPermanent reports whether the error is known to be unretryable. Unlike
// !IsTransient, an unrecognized error stays unclassified here.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return false
	}

	if status := statusCodeIn(err); status > 0 {
		return permanentStatus(status)
	}

	text := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not found", "permission denied", "invalid",
		"unauthorized", "forbidden", "bad request",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// IsDegraded reports whether the run may continue around the error.
func IsDegraded(err error) bool {
	var degraded *DegradedError
	return errors.As(err, &degraded)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	// Transport errors that reach us as plain text, e.g. through an
	// fmt.Errorf chain that broke the wrap.
	text := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused", "connection reset", "broken pipe",
		"timeout", "deadline exceeded",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func isConnectionErrno(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
		return true
	}
	return false
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func permanentStatus(status int) bool {
	switch status {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

var statusTextPatterns = map[string]int{
	"status 400": 400, "status 401": 401, "status 403": 403,
	"status 404": 404, "status 429": 429, "status 500": 500,
	"status 502": 502, "status 503": 503, "status 504": 504,
}

// statusCodeIn pulls an HTTP status out of the error: the typed wrappers
// first, then the "status NNN" convention the transport errors use.
func statusCodeIn(err error) int {
	var transient *TransientError
	if errors.As(err, &transient) && transient.StatusCode > 0 {
		return transient.StatusCode
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.StatusCode > 0 {
		return permanent.StatusCode
	}

	text := strings.ToLower(err.Error())
	for pattern, code := range statusTextPatterns {
		if strings.Contains(text, pattern) {
			return code
		}
	}
	return 0
}
