package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 5, time.Second, func() (int, error) {
		return 0, errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 10, 3, 0.5, 50*time.Millisecond, 1)
	for i := 0; i < 5; i++ {
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatal("expected breaker to be open after sustained failures")
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Second, 10, 2, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatal("expected breaker open immediately after tripping")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow a half-open probe after cooldown")
	}
}

func TestRateLimiter_AllowsWithinCapacity(t *testing.T) {
	rl := NewRateLimiter(3, 1, time.Minute, 0)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("expected token %d to be allowed", i)
		}
	}
	if rl.Allow() {
		t.Fatal("expected 4th token to be denied")
	}
}

func TestRateLimiter_WindowCapOverridesTokens(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Minute, 1)
	if !rl.Allow() {
		t.Fatal("expected first request to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected second request to be denied by window cap")
	}
}
