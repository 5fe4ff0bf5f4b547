package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindExitCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindVarDup, ExitUsage},
		{KindAliasDup, ExitUsage},
		{KindUsage, ExitUsage},
		{KindPolicyViolation, ExitUsage},
		{KindPathDenied, ExitValidation},
		{KindTraversal, ExitValidation},
		{KindNotFound, ExitValidation},
		{KindSchemaInvalid, ExitValidation},
		{KindPromptTooLarge, ExitValidation},
		{KindUploadFailed, ExitAPI},
		{KindContainerExpired, ExitAPI},
		{KindDownloadFailed, ExitAPI},
		{KindRateLimited, ExitAPI},
		{KindVectorStoreFailed, ExitAPI},
		{KindAPI, ExitAPI},
		{KindTimeout, ExitTimeout},
		{KindInternal, ExitInternal},
	}
	for _, tc := range cases {
		if got := tc.kind.ExitCode(); got != tc.want {
			t.Errorf("%s.ExitCode() = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestExitCodeForUnclassifiedError(t *testing.T) {
	if got := ExitCodeFor(fmt.Errorf("boom")); got != ExitInternal {
		t.Fatalf("unclassified error should exit %d, got %d", ExitInternal, got)
	}
	if got := ExitCodeFor(nil); got != ExitOK {
		t.Fatalf("nil error should exit %d, got %d", ExitOK, got)
	}
}

func TestExitCodeForWrappedCLIError(t *testing.T) {
	inner := New(KindPromptTooLarge, "prompt exceeds the model context window")
	wrapped := fmt.Errorf("run failed: %w", inner)
	if got := ExitCodeFor(wrapped); got != ExitValidation {
		t.Fatalf("wrapped CLIError should keep its exit code, got %d", got)
	}
	if KindOf(wrapped) != KindPromptTooLarge {
		t.Fatalf("KindOf should see through wrapping, got %s", KindOf(wrapped))
	}
}

func TestCLIErrorSanitizesMessage(t *testing.T) {
	err := Wrapf(KindUploadFailed, fmt.Errorf("401 with api_key=sk-abcdefghijklmnop1234"), "upload rejected")
	msg := err.Error()
	if strings.Contains(msg, "sk-abcdefghijklmnop1234") {
		t.Fatalf("credential survived into error text: %q", msg)
	}
}

func TestCLIErrorDisplayOrdersContext(t *testing.T) {
	err := New(KindPathDenied, "outside allowed roots").
		WithContext("path", "/tmp/x").
		WithContext("base", "/work").
		WithHint("pass --allow DIR to extend the allowed roots")
	out := err.Display()
	baseIdx := strings.Index(out, "base:")
	pathIdx := strings.Index(out, "path:")
	if baseIdx < 0 || pathIdx < 0 || baseIdx > pathIdx {
		t.Fatalf("context keys not in sorted order: %q", out)
	}
	if !strings.Contains(out, "hint:") {
		t.Fatalf("hint missing from display: %q", out)
	}
}

func TestIsTransientSeesRateLimitKind(t *testing.T) {
	err := New(KindRateLimited, "slow down")
	if !IsTransient(err) {
		t.Fatalf("rate-limited errors must be retryable")
	}
	if IsTransient(New(KindSchemaInvalid, "bad schema")) {
		t.Fatalf("schema errors must not be retryable")
	}
}

func TestTransientPermanentClassification(t *testing.T) {
	if !IsTransient(&TransientError{Err: errors.New("x"), StatusCode: 503}) {
		t.Fatalf("explicit transient not detected")
	}
	if IsTransient(&PermanentError{Err: errors.New("x"), StatusCode: 400}) {
		t.Fatalf("explicit permanent treated as transient")
	}
	if !IsTransient(errors.New("connection refused")) {
		t.Fatalf("connection refused should be transient")
	}
	if !IsPermanent(errors.New("file not found")) {
		t.Fatalf("not-found text should classify permanent")
	}
}
