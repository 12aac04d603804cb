// Package backoff provides the exponential-backoff-with-jitter retry loop
// shared by the upstream connection manager (session restart) and the DAG
// engine (per-task retries).
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config configures a retry loop.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier is the factor the backoff grows by after each retry.
	Multiplier float64
	// Jitter adds up to this fraction of randomness to each backoff.
	Jitter float64
}

// SessionRestartConfig matches spec §4.1: 250ms initial, 30s cap.
func SessionRestartConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// TaskRetryConfig matches spec §4.4.2: 200ms base, budget 3.
func TaskRetryConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// ExhaustedError is returned when every attempt has failed.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("backoff: exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn, retrying on a retryable error up to cfg.MaxAttempts, waiting
// an exponentially growing, jittered backoff between attempts. isRetryable
// decides whether a given error should be retried; fn is not retried on
// context cancellation.
func Do(ctx context.Context, cfg Config, isRetryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := Duration(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxAttempts, TotalDuration: time.Since(start), LastError: lastErr}
}

// Duration computes the backoff delay before the given attempt (1-indexed
// retry count, i.e. the wait before attempt+1).
func Duration(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if max := float64(cfg.MaxBackoff); d > max {
		d = max
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
