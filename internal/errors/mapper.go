package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// apiErrorPayload mirrors the vendor error envelope {"error": {...}}.
type apiErrorPayload struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Param   string `json:"param"`
	} `json:"error"`
}

func parseAPIErrorBody(body []byte) (message, errType, code string) {
	var payload apiErrorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if len(trimmed) > 300 {
			trimmed = trimmed[:300] + "..."
		}
		return trimmed, "", ""
	}
	message = payload.Error.Message
	errType = payload.Error.Type
	if payload.Error.Code != nil {
		code = fmt.Sprintf("%v", payload.Error.Code)
	}
	return message, errType, code
}

func parseRetryAfter(header http.Header) int {
	if header == nil {
		return 0
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
		return seconds
	}
	return 0
}

func looksLikeContextOverflow(message, code string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(code, "context_length_exceeded") ||
		strings.Contains(lower, "context length") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "too many tokens")
}

// MapHTTPError converts a non-2xx vendor response into the taxonomy. The
// returned error carries a transient or permanent marker so retry loops
// classify it without re-inspecting the status code.
func MapHTTPError(statusCode int, body []byte, header http.Header) error {
	if statusCode < http.StatusBadRequest {
		return nil
	}

	message, errType, code := parseAPIErrorBody(body)
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(header)
		cliErr := Wrap(KindRateLimited, &TransientError{
			Err:        fmt.Errorf("API error %d: %s", statusCode, message),
			StatusCode: statusCode,
			RetryAfter: retryAfter,
		}, "API rate limit reached")
		hint := "The request is retried automatically with exponential backoff."
		if retryAfter > 0 {
			hint = fmt.Sprintf("Server requested a %ds pause before the next attempt.", retryAfter)
		}
		return cliErr.WithHint("%s", hint).WithContext("status", statusCode)

	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return Wrap(KindAPI, &PermanentError{
			Err:        fmt.Errorf("API error %d: %s", statusCode, message),
			StatusCode: statusCode,
		}, "authentication with the API failed").
			WithHint("Check that the API key is set (SCHEMARUN_API_KEY or OPENAI_API_KEY) and has access to the requested model.").
			WithContext("status", statusCode)

	case statusCode >= http.StatusInternalServerError:
		return Wrap(KindAPI, &TransientError{
			Err:        fmt.Errorf("API error %d: %s", statusCode, message),
			StatusCode: statusCode,
		}, "the API reported a server-side failure").
			WithContext("status", statusCode)

	case looksLikeContextOverflow(message, code):
		return Wrap(KindAPI, &PermanentError{
			Err:        fmt.Errorf("API error %d: %s", statusCode, message),
			StatusCode: statusCode,
		}, "the request exceeded the model context window").
			WithHint("Route large attachments away from the prompt: --fc NAME sends a file to code execution, --fs NAME to retrieval.").
			WithContext("status", statusCode)

	default:
		cliErr := Wrap(KindAPI, &PermanentError{
			Err:        fmt.Errorf("API error %d: %s", statusCode, message),
			StatusCode: statusCode,
		}, "the API rejected the request").
			WithContext("status", statusCode)
		if errType != "" {
			cliErr = cliErr.WithContext("error_type", errType)
		}
		if code != "" {
			cliErr = cliErr.WithContext("error_code", code)
		}
		return cliErr
	}
}

// StatusOf reports the HTTP status recorded on a mapped API error, or 0
// when the error did not originate from an HTTP response.
func StatusOf(err error) int {
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		if status, ok := cliErr.Context["status"].(int); ok {
			return status
		}
	}
	var transient *TransientError
	if errors.As(err, &transient) && transient.StatusCode != 0 {
		return transient.StatusCode
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.StatusCode != 0 {
		return permanent.StatusCode
	}
	return 0
}

// WrapTransportError classifies a request-level failure (DNS, dial, TLS,
// timeout) before any HTTP status exists.
func WrapTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err, Message: "request timed out"}
	}
	return &TransientError{Err: err, Message: fmt.Sprintf("request failed: %v", err)}
}
