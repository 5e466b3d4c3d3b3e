package errors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(nil, "rate limited")
		}
		return "done", nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, "done", got)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (int, error) {
		calls++
		return 0, NewPermanentError(nil, ReasonAuth, "bad key")
	}, nil)

	require.True(t, IsPermanent(err))
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	retryNotices := 0
	_, err := RetryWithResult(context.Background(), fastRetryConfig(), func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(nil, "still failing")
	}, func(attempt int, err error) {
		retryNotices++
		require.True(t, IsTransient(err))
	})

	require.Error(t, err)
	require.Equal(t, 4, calls, "initial call plus three retries")
	require.Equal(t, 3, retryNotices)
	require.ErrorContains(t, err, "max retries")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := RetryWithResult(ctx, RetryConfig{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Minute},
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, NewTransientError(nil, "transient")
		}, nil)

	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
}
