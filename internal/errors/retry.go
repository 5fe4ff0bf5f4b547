package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"schemarun/internal/logging"
)

// RetryConfig tunes the retry loop. MaxAttempts counts retries, not calls:
// a value of 3 allows four executions in total.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryConfig is the tuning the remote-facing components share.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is the unit a retry loop re-executes.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn under the retry loop.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithResultAndLog(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// RetryWithResult runs fn under the retry loop and returns its value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog re-executes fn on transient failures, backing off
// between attempts. A non-transient error returns immediately; exhausting
// MaxAttempts wraps the last error. The backoff honors a server-requested
// Retry-After when the failure carried one.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retry")
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry loop canceled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded on attempt %d of %d", attempt+1, config.MaxAttempts+1)
			}
			return result, nil
		}

		lastErr = err
		if !IsTransient(err) {
			logger.Debug("attempt %d failed with a non-transient error, giving up: %v", attempt+1, err)
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := RetryAfterDelay(err, attempt, config)
		logger.Debug("attempt %d of %d failed (%v), next in %s",
			attempt+1, config.MaxAttempts+1, err, delay.Round(time.Millisecond))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry loop canceled during backoff: %w", ctx.Err())
		}
	}

	logger.Warn("all %d attempts failed", config.MaxAttempts+1)
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff doubles BaseDelay per attempt, caps it at MaxDelay, and
// spreads it by the jitter factor so synchronized clients do not re-arrive
// together.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		spread := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}

// RetryAfterDelay prefers the server-requested wait when err carries one,
// clamped to MaxDelay, and computes the exponential backoff otherwise.
func RetryAfterDelay(err error, attempt int, config RetryConfig) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		requested := time.Duration(transient.RetryAfter) * time.Second
		if requested > config.MaxDelay {
			return config.MaxDelay
		}
		return requested
	}
	return calculateBackoff(attempt, config)
}
