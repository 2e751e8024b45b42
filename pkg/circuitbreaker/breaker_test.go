package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, changes *[]State) *CircuitBreaker {
	return New(Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		OnStateChange: func(_ string, _, to State) {
			*changes = append(*changes, to)
		},
		Clock: clock.Now,
	})
}

var errBackend = errors.New("backend down")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestBreakerTripsAndRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var changes []State
	cb := newTestBreaker(clock, &changes)
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(ctx, fail), errBackend)
	assert.ErrorIs(t, cb.Do(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Do(ctx, func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls)

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Do(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, changes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var changes []State
	cb := newTestBreaker(clock, &changes)
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	clock.Advance(11 * time.Second)

	assert.ErrorIs(t, cb.Do(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var changes []State
	cb := newTestBreaker(clock, &changes)
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	require.NoError(t, cb.Do(ctx, succeed))
	_ = cb.Do(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
	assert.Empty(t, changes)
}

func TestPanicCountsAsFailure(t *testing.T) {
	cb := New(Settings{ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})

	assert.Panics(t, func() {
		_ = cb.Do(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultSettingsIgnoreCancellation(t *testing.T) {
	cb := New(DefaultSettings("snapshots"))
	for i := 0; i < 5; i++ {
		_ = cb.Do(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "snapshots", cb.Name())
}
