package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.crawlops.org/common"
)

// fakeClock provides a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(config BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", config).WithClock(clock.Now)
	return cb, clock
}

// TestCircuitBreaker_TripAndRecover walks the full closed → open →
// half_open → closed cycle.
func TestCircuitBreaker_TripAndRecover(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
		WindowSize:       10,
		MinCallsInWindow: 5,
	})

	for i := 0; i < 5; i++ {
		cb.RecordFailure(errors.New("boom"))
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.Advance(60 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

// TestCircuitBreaker_FailureRateTrip opens on window failure rate even
// without a long consecutive streak.
func TestCircuitBreaker_FailureRateTrip(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{
		FailureThreshold:     100, // out of reach
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		MinCallsInWindow:     5,
	})

	// Alternate to keep consecutive failures low while the rate climbs;
	// the sixth call fills the minimum window at 3/6 = 50%, which meets
	// the rate threshold.
	for i := 0; i < 3; i++ {
		cb.RecordSuccess()
		cb.RecordFailure(nil)
	}
	assert.Equal(t, StateOpen, cb.State())

	cb.RecordFailure(nil)
	cb.RecordFailure(nil)
	assert.Equal(t, StateOpen, cb.State())
}

// TestCircuitBreaker_MinCallsGate never trips before the window holds
// enough calls.
func TestCircuitBreaker_MinCallsGate(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{
		FailureThreshold: 3,
		WindowSize:       10,
		MinCallsInWindow: 5,
	})

	cb.RecordFailure(nil)
	cb.RecordFailure(nil)
	cb.RecordFailure(nil)
	assert.Equal(t, StateClosed, cb.State(), "below min calls the circuit stays closed")

	cb.RecordFailure(nil)
	cb.RecordFailure(nil)
	assert.Equal(t, StateOpen, cb.State())
}

// TestCircuitBreaker_HalfOpenFailureReopens drops straight back to open
// on the first half-open failure.
func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		MinCallsInWindow: 5,
	})

	for i := 0; i < 5; i++ {
		cb.RecordFailure(nil)
	}
	clock.Advance(time.Minute)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure(nil)
	assert.Equal(t, StateOpen, cb.State())
}

// TestCircuitBreaker_Execute surfaces CircuitOpen with reset_in_seconds
// while open.
func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 5, MinCallsInWindow: 5})

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	err = cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrCircuitOpen))

	stats := cb.Stats()
	assert.Greater(t, stats.RejectedRequests, int64(0))
}

// TestCircuitBreaker_HalfOpenProbeBudget caps in-flight probes.
func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 2,
		MinCallsInWindow: 5,
	})

	for i := 0; i < 5; i++ {
		cb.RecordFailure(nil)
	}
	clock.Advance(time.Minute)
	require.Equal(t, StateHalfOpen, cb.State())

	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "third in-flight probe exceeds the budget")

	// Completing a probe frees its slot.
	cb.RecordSuccess()
	assert.True(t, cb.Allow())
}

// TestRegistry_GetOrCreate is idempotent per name.
func TestRegistry_GetOrCreate(t *testing.T) {
	reg := NewRegistry()

	a := reg.GetOrCreate("engine", DefaultBreakerConfig())
	b := reg.GetOrCreate("engine", BreakerConfig{FailureThreshold: 99})
	assert.Same(t, a, b)

	c := reg.GetOrCreate("store", DefaultBreakerConfig())
	assert.NotSame(t, a, c)
	assert.Len(t, reg.All(), 2)
}
