// Package resilience implements the engine's shared retry/backoff pattern
// and error classification. Grounded on the teacher's
// internal/core/resilience package, generalized from HTTP/LLM operations
// to the sync engine's SOR/Grid/database operations.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryableErrorChecker decides whether an error should trigger another
// attempt. Implementations classify transient errors (network, rate limit)
// as retryable and terminal ones (OAuth, validation) as not.
type RetryableErrorChecker interface {
	IsRetryable(err error) bool
}

// RetryPolicy configures WithRetry's exponential backoff.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	ErrorChecker  RetryableErrorChecker
	Logger        *slog.Logger
	OperationName string
}

// DefaultRetryPolicy matches spec §4.1's baseline: 3 retries, exponential
// backoff capped at 30s, with jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// RateLimitRetryPolicy triples the baseline retry count, per spec §4.1
// ("on explicit rate-limit signals multiplied by 3").
func RateLimitRetryPolicy() *RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries *= 3
	return p
}

// WithRetry runs operation, retrying on retryable errors according to
// policy. Context cancellation during a backoff sleep returns ctx.Err()
// immediately.
func WithRetry(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "attempt", attempt+1, "operation", policy.OperationName)
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err, policy.ErrorChecker) {
			return lastErr
		}

		if attempt >= policy.MaxRetries {
			logger.Error("operation failed after all retries",
				"operation", policy.OperationName, "max_retries", policy.MaxRetries, "error", lastErr)
			break
		}

		logger.Warn("operation failed, retrying",
			"operation", policy.OperationName, "attempt", attempt+1, "delay", delay, "error", err)

		if !waitWithContext(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay, policy)
	}

	return fmt.Errorf("operation %q failed after %d attempts: %w", policy.OperationName, policy.MaxRetries+1, lastErr)
}

// WithRetryFunc is WithRetry for operations that return a value.
func WithRetryFunc[T any](ctx context.Context, policy *RetryPolicy, operation func() (T, error)) (T, error) {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastResult T
	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastResult, lastErr = result, err

		if !shouldRetry(err, policy.ErrorChecker) {
			return lastResult, lastErr
		}
		if attempt >= policy.MaxRetries {
			break
		}

		logger.Warn("operation failed, retrying",
			"operation", policy.OperationName, "attempt", attempt+1, "delay", delay, "error", err)

		if !waitWithContext(ctx, delay) {
			var zero T
			return zero, ctx.Err()
		}
		delay = nextDelay(delay, policy)
	}

	return lastResult, fmt.Errorf("operation %q failed after %d attempts: %w", policy.OperationName, policy.MaxRetries+1, lastErr)
}

func shouldRetry(err error, checker RetryableErrorChecker) bool {
	if err == nil {
		return false
	}
	if checker != nil {
		return checker.IsRetryable(err)
	}
	return true
}

func waitWithContext(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// nextDelay applies spec §4.1's formula: min(baseDelay·2^attempt, 30s) plus
// up to 1s of jitter — expressed here as a running multiplicative step
// capped at MaxDelay, with additive jitter rather than the teacher's
// percentage jitter (the spec pins jitter to a fixed 0–1s window).
func nextDelay(current time.Duration, policy *RetryPolicy) time.Duration {
	next := time.Duration(float64(current) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	if policy.Jitter {
		next += time.Duration(rand.Int63n(int64(time.Second)))
	}
	return next
}
