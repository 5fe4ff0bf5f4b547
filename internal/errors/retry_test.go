package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastRetryConfig(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &TransientError{Err: errors.New("flaky"), StatusCode: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("result=%q attempts=%d", result, attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return &PermanentError{Err: errors.New("no"), StatusCode: 400}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("permanent error must not be retried, got %d attempts", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		attempts++
		return &TransientError{Err: errors.New("still flaky")}
	})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if attempts != 4 { // initial + 3 retries
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetryConfig(), func(ctx context.Context) error {
		t.Fatalf("function should not run after cancellation")
		return nil
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestCalculateBackoffDoublesAndCaps(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0}
	if d := calculateBackoff(0, config); d != time.Second {
		t.Fatalf("attempt 0 delay = %v", d)
	}
	if d := calculateBackoff(1, config); d != 2*time.Second {
		t.Fatalf("attempt 1 delay = %v", d)
	}
	if d := calculateBackoff(4, config); d != 3*time.Second {
		t.Fatalf("delay should cap at MaxDelay, got %v", d)
	}
}

func TestRetryAfterDelayPrefersServerValue(t *testing.T) {
	config := DefaultRetryConfig()
	err := &TransientError{Err: errors.New("429"), RetryAfter: 5}
	if d := RetryAfterDelay(err, 0, config); d != 5*time.Second {
		t.Fatalf("expected server-requested delay, got %v", d)
	}
	plain := &TransientError{Err: errors.New("503")}
	if d := RetryAfterDelay(plain, 0, RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFactor: 0}); d != time.Second {
		t.Fatalf("expected computed backoff, got %v", d)
	}
}
