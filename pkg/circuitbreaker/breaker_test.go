package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errDown = errors.New("backend down")

func newTestBreaker(clock *manualClock, transitions *[]string) *CircuitBreaker {
	return NewCircuitBreaker(Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(_ string, from, to State) {
			*transitions = append(*transitions, from.String()+"->"+to.String())
		},
		Now: clock.Now,
	})
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errDown }), errDown)
	}
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called, "open breaker does not call through")

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errDown })
	}
	clock.Advance(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsTrialRequests(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errDown })
	}
	clock.Advance(11 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrTooManyRequests)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)

	cb.Execute(func() error { return errDown })
	cb.Execute(func() error { return errDown })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errDown })

	assert.Equal(t, StateClosed, cb.State())
	counts := cb.Counts()
	assert.Equal(t, uint32(4), counts.Requests)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
	assert.Empty(t, transitions)
}

func TestPanicCountsAsFailure(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)

	assert.Panics(t, func() {
		cb.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}
