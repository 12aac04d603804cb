package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpgate/gateway/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := backoff.Do(context.Background(), backoff.Config{MaxAttempts: 3}, nil, func(context.Context, int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	sentinel := errors.New("terminal")
	err := backoff.Do(context.Background(), backoff.Config{MaxAttempts: 5}, func(error) bool { return false }, func(context.Context, int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAndWrapsLastError(t *testing.T) {
	cfg := backoff.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	calls := 0
	sentinel := errors.New("still failing")
	err := backoff.Do(context.Background(), cfg, func(error) bool { return true }, func(context.Context, int) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	var exhausted *backoff.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, exhausted, sentinel)
}

func TestDurationRespectsCap(t *testing.T) {
	cfg := backoff.Config{InitialBackoff: time.Second, MaxBackoff: 2 * time.Second, Multiplier: 10, Jitter: 0}
	d := backoff.Duration(cfg, 5)
	assert.Equal(t, 2*time.Second, d)
}
