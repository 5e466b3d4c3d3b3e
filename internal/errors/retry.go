package errors

import (
	"context"
	"fmt"
	"time"

	"github.com/TWN-Systems/strix/internal/logging"
)

// RetryConfig configures exponential backoff. MaxAttempts counts retries
// after the first call, so MaxAttempts=3 allows four calls in total.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the thinker retry envelope: three retries,
// delays 2s, 4s, 8s with a 16s ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    16 * time.Second,
	}
}

// RetryWithResult executes fn with backoff, retrying only transient errors.
// onRetry, when non-nil, is invoked before each sleep with the attempt
// number (1-based) and the error that triggered the retry.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), onRetry func(attempt int, err error)) (T, error) {
	var zero T
	var lastErr error
	logger := logging.NewComponentLogger("retry")

	delay := config.BaseDelay
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded after %d retries", attempt)
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		logger.Warn("attempt %d/%d failed (%v), retrying in %s",
			attempt+1, config.MaxAttempts+1, err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
		delay *= 2
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return zero, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

// Retry is RetryWithResult for functions without a result value.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}
