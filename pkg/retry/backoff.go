// Package retry runs an operation again after transient failures, waiting
// an exponentially growing, optionally jittered interval between attempts.
//
//	err := retry.WithRetry(ctx, func() error {
//		return pool.Ping(ctx)
//	}, retry.DefaultBackoffConfig())
//
// Returning retry.Stop(err) from the operation ends the loop at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/twmailer/twmailer/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int // attempts after the first one
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

// ExponentialBackoff returns the delay before retry number attempt (1-based).
// With jitter the delay lies in [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			attempt = 1
		}
		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		d := time.Duration(interval)
		if config.Jitter && d > 1 {
			d = d/2 + rand.N(d/2)
		}
		return d
	}
}

type RetryableFunc func() error

// StopError marks an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn until it succeeds, returns a StopError, the retries are
// used up, or ctx is done.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		logger.Debug("Retry: attempt failed", "attempt", attempt+1, "max", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}
