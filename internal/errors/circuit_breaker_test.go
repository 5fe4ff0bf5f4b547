package errors

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("vendor", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	cb.Mark(errors.New("x"))
	if cb.State() != StateClosed {
		t.Fatalf("one failure should keep circuit closed")
	}
	cb.Mark(errors.New("y"))
	if cb.State() != StateOpen {
		t.Fatalf("two failures should open circuit")
	}
	if err := cb.Allow(); err == nil {
		t.Fatalf("open circuit must reject requests")
	}
	if !IsDegraded(cb.Allow()) {
		t.Fatalf("rejection should be a degraded error")
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("vendor", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Millisecond,
	})

	cb.Mark(errors.New("fail"))
	if cb.State() != StateOpen {
		t.Fatalf("expected open state")
	}

	time.Sleep(2 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("after timeout the breaker should probe: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open state, got %v", cb.State())
	}

	cb.Mark(nil)
	cb.Mark(nil)
	if cb.State() != StateClosed {
		t.Fatalf("two successes should close circuit, got %v", cb.State())
	}
}

func TestCircuitBreakerManagerReusesInstances(t *testing.T) {
	m := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())
	a := m.Get("https://mcp.example.com")
	b := m.Get("https://mcp.example.com")
	if a != b {
		t.Fatalf("manager should return the same breaker per endpoint")
	}
	if len(m.GetMetrics()) != 1 {
		t.Fatalf("expected a single breaker, got %d", len(m.GetMetrics()))
	}
}
