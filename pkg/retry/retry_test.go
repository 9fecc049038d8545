package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, 8*time.Second, cfg.Backoff(4))
	assert.Equal(t, 10*time.Second, cfg.Backoff(5))
	assert.Equal(t, 10*time.Second, cfg.Backoff(50))
}

func TestConfig_BackoffFlatWhenFactorBelowOne(t *testing.T) {
	cfg := Config{InitialDelay: 250 * time.Millisecond, BackoffFactor: 0}
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff(7))
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWithLog_ReportsEachFailedAttempt(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}

	var attempts []int
	err := DoWithLog(context.Background(), cfg, "PostgreSQL", func() error {
		return errors.New("connection refused")
	}, func(attempt int, err error, nextDelay time.Duration) {
		attempts = append(attempts, attempt)
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "PostgreSQL: max retry attempts (3) exceeded")
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
