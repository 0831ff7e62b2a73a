// Package resilience provides the generic retry, circuit-breaker, and
// rate-limiter primitives. The circuit breaker guards the HTTP task
// executor and the rate limiter caps the scheduler's event triggers; Retry
// is not called outside this package (the SSH/container preflight checks
// use cenkalti/backoff). Adapted from
// the teacher's libs/go/core/resilience package, kept close to its
// structure and renamed for this module's own OpenTelemetry meter name.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles each iteration up to a 60s cap.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("taskwave")
	attemptCounter, _ := meter.Int64Counter("taskwave_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskwave_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskwave_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
