package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"schemarun/internal/security/redaction"
)

// Kind classifies a run failure. Each kind maps to exactly one process exit
// code and is surfaced to the user together with remediation guidance.
type Kind string

const (
	KindPathDenied        Kind = "PATH_DENIED"
	KindTraversal         Kind = "TRAVERSAL"
	KindNotFound          Kind = "NOT_FOUND"
	KindSchemaInvalid     Kind = "SCHEMA_INVALID"
	KindVarDup            Kind = "VAR_DUP"
	KindAliasDup          Kind = "ALIAS_DUP"
	KindUsage             Kind = "USAGE_ERROR"
	KindPromptTooLarge    Kind = "PROMPT_TOO_LARGE"
	KindCollectLine       Kind = "COLLECT_LINE_FAILED"
	KindParamInvalid      Kind = "PARAM_INVALID"
	KindUploadFailed      Kind = "UPLOAD_FAILED"
	KindContainerExpired  Kind = "CONTAINER_EXPIRED"
	KindDownloadFailed    Kind = "DOWNLOAD_FAILED"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindVectorStoreFailed Kind = "VECTOR_STORE_FAILED"
	KindPolicyViolation   Kind = "POLICY_VIOLATION"
	KindAPI               Kind = "API_ERROR"
	KindTimeout           Kind = "OPERATION_TIMEOUT"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitInternal   = 1
	ExitUsage      = 2
	ExitValidation = 3
	ExitAPI        = 4
	ExitTimeout    = 5
)

// ExitCode returns the process exit code for the kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindVarDup, KindAliasDup, KindUsage, KindPolicyViolation:
		return ExitUsage
	case KindPathDenied, KindTraversal, KindNotFound, KindSchemaInvalid,
		KindPromptTooLarge, KindCollectLine, KindParamInvalid:
		return ExitValidation
	case KindUploadFailed, KindContainerExpired, KindDownloadFailed,
		KindRateLimited, KindVectorStoreFailed, KindAPI:
		return ExitAPI
	case KindTimeout:
		return ExitTimeout
	default:
		return ExitInternal
	}
}

// CLIError is the structured failure every component returns upward. Message
// and Hint are credential-sanitized at formatting time; Context carries
// machine-readable diagnostic fields.
type CLIError struct {
	Kind    Kind
	Message string
	Hint    string
	Context map[string]any
	Err     error
}

func (e *CLIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return redaction.SanitizeLine(b.String())
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code for the error's kind.
func (e *CLIError) ExitCode() int {
	return e.Kind.ExitCode()
}

// WithHint attaches remediation guidance and returns the error.
func (e *CLIError) WithHint(format string, args ...any) *CLIError {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// WithContext attaches a diagnostic field and returns the error.
func (e *CLIError) WithContext(key string, value any) *CLIError {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// Display renders the error for the end user: sanitized message, hint, and the
// diagnostic context in deterministic key order.
func (e *CLIError) Display() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if e.Hint != "" {
		b.WriteString("\n  hint: ")
		b.WriteString(redaction.SanitizeLine(e.Hint))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("\n  %s: %v", k, e.Context[k]))
		}
	}
	return b.String()
}

// New creates a CLIError of the given kind.
func New(kind Kind, message string) *CLIError {
	return &CLIError{Kind: kind, Message: message}
}

// Newf creates a CLIError with a formatted message.
func Newf(kind Kind, format string, args ...any) *CLIError {
	return &CLIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a CLIError of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, message string) *CLIError {
	return &CLIError{Kind: kind, Message: message, Err: err}
}

// Wrapf creates a CLIError wrapping an underlying cause with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) *CLIError {
	return &CLIError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the error kind, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var cliErr *CLIError
	return errors.As(err, &cliErr) && cliErr.Kind == kind
}

// ExitCodeFor maps any error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.ExitCode()
	}
	return ExitInternal
}
