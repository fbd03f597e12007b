package errors

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (not including
	// the initial attempt).
	MaxRetries int

	// Delay is the wait before the first retry.
	Delay time.Duration

	// Multiplier is the factor by which delay grows after each retry.
	// 1.0 gives fixed backoff.
	Multiplier float64

	// MaxDelay caps the delay between retries. Zero means no cap.
	MaxDelay time.Duration
}

// FixedBackoff returns a bounded fixed-backoff policy: the same delay
// between every attempt. This is the replication-lag retry policy used by
// the pipeline for cross-reference lookups against a store that may lag
// behind the event source.
func FixedBackoff(maxRetries int, delay time.Duration) RetryConfig {
	return RetryConfig{MaxRetries: maxRetries, Delay: delay, Multiplier: 1.0}
}

// DefaultRetryConfig returns the default exponential policy for
// transient backend errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Delay:      1 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   16 * time.Second,
	}
}

// Retry executes fn, retrying up to MaxRetries times on error.
// It never blocks past a context cancellation: the context is checked
// before every attempt and during every wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that also return a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.Delay
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1.0
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt >= cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * mult)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}
