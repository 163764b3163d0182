package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      retries,
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	})

	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, time.Second, backoff(10), "capped")
}

func TestExponentialBackoffJitter(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2,
		Jitter:          true,
	})
	for i := 0; i < 50; i++ {
		d := backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestWithRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return boom
	}, fastConfig(2))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopError(t *testing.T) {
	denied := errors.New("password authentication failed")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(denied)
	}, fastConfig(5))

	assert.Equal(t, denied, err)
	assert.False(t, IsStopError(err), "the wrapper is removed")
	assert.Equal(t, 1, calls)
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		cancel()
		return errors.New("down")
	}, cfg)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
