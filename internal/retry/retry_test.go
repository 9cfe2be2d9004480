package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openguard/guard/internal/guarderrors"
)

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func() error {
		calls++
		return errors.New("unauthorized: cannot assume role")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientUntilExhausted(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		MinWait:     time.Millisecond,
		MaxWait:     2 * time.Millisecond,
		Classify:    guarderrors.IsRetryable,
	}
	calls := 0
	err := Do(context.Background(), policy, func() error {
		calls++
		return errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_SucceedsAfterTransientRetries(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		MinWait:     time.Millisecond,
		MaxWait:     2 * time.Millisecond,
		Classify:    guarderrors.IsRetryable,
	}
	calls := 0
	err := Do(context.Background(), policy, func() error {
		calls++
		if calls < 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	policy := Policy{
		MaxAttempts: 5,
		MinWait:     50 * time.Millisecond,
		MaxWait:     time.Second,
		Classify:    guarderrors.IsRetryable,
	}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, policy, func() error {
		calls++
		return errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelay_RespectsCeiling(t *testing.T) {
	minWait := 100 * time.Millisecond
	maxWait := 250 * time.Millisecond

	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffDelay(attempt, minWait, maxWait)
		assert.LessOrEqual(t, d, time.Duration(float64(maxWait)*1.1))
		assert.GreaterOrEqual(t, d, minWait)
	}
}

func TestDoValue_PropagatesResultOnSuccess(t *testing.T) {
	v, err := DoValue(context.Background(), DefaultPolicy(), func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
