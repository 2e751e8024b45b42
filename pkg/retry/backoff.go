// Package retry runs an operation again after a failure, waiting longer
// between attempts each time.
//
//	err := retry.WithRetryAdvanced(ctx, func() error {
//		err := persister.Save(ctx, snap)
//		if errors.Is(err, errPermanent) {
//			return retry.Stop(err)
//		}
//		return err
//	}, retry.DefaultBackoffConfig())
//
// With Jitter set the actual delay is picked between half and all of the
// computed interval, so writers that failed together do not retry together.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/verayang01/chatd/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      4,
	}
}

// ExponentialBackoff returns the delay to wait before the given attempt.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	mult := config.Multiplier
	if mult < 1 {
		mult = 1
	}
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(mult, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		d := time.Duration(interval)
		if config.Jitter && d >= 2 {
			d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
		}
		return d
	}
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, MaxRetries retries have been made or
// ctx is done.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	return run(ctx, fn, config, false)
}

// StopError marks an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps err so WithRetryAdvanced gives up immediately.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetryAdvanced is WithRetry that also honours Stop. The wrapped error
// is returned unwrapped.
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	return run(ctx, fn, config, true)
}

func run(ctx context.Context, fn RetryableFunc, config BackoffConfig, honourStop bool) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}
		attempts++

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var stopErr StopError
		if honourStop && errors.As(err, &stopErr) {
			logger.Debug("Retry: stop requested", "attempt", attempts, "error", stopErr.Err)
			return stopErr.Err
		}
		logger.Debug("Retry: attempt failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
