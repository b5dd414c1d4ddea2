package circuitbreaker

import (
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker_BasicFunctionality(t *testing.T) {
	cb := New("dolarapi_oficial", 3)
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New("pydolar_bcv", 3)

	cb.RecordFailure("timeout")
	cb.RecordFailure("timeout")
	assert.Equal(t, StateClosed, cb.GetState(), "Two failures stay below the threshold")

	cb.RecordFailure("status 502")
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)
	assert.Equal(t, "status 502", cb.Snapshot().LastReason)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("pydolar_bcv", 2)

	cb.RecordFailure("timeout")
	cb.RecordSuccess()
	cb.RecordFailure("timeout")
	assert.Equal(t, StateClosed, cb.GetState(), "Failures must be consecutive")
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New("binance_p2p", 1).
		WithResetDelay(time.Minute).
		WithClock(clock.Now)

	cb.RecordFailure("boom")
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrOpen, "Still cooling down")

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Allow(), "First call after the delay is a probe")
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrOpen, "Only one probe at a time")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New("binance_p2p", 1).WithResetDelay(time.Second).WithClock(clock.Now)

	cb.RecordFailure("boom")
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordFailure("still down")
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	cb := New("exchangemonitor_bcv", 1)
	cb.RecordFailure("boom")
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	changes := make(chan State, 4)
	cb := New("a", 1).WithStateChangeCallback(func(name string, from, to State) {
		assert.Equal(t, "a", name)
		changes <- to
	})

	cb.RecordFailure("boom")

	select {
	case s := <-changes:
		assert.Equal(t, StateOpen, s)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestCircuitBreaker_StateChangesDeliveredInOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	var (
		mu   sync.Mutex
		seen []State
	)
	cb := New("a", 1).
		WithResetDelay(time.Second).
		WithClock(clock.Now).
		WithStateChangeCallback(func(_ string, _, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		})

	for i := 0; i < 50; i++ {
		cb.RecordFailure("boom")
		clock.Advance(2 * time.Second)
		require.NoError(t, cb.Allow())
		cb.RecordSuccess()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 150)
	for i := 0; i < len(seen); i += 3 {
		assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, seen[i:i+3])
	}
	assert.Equal(t, StateClosed, seen[len(seen)-1])
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_ReleaseFreesProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New("a", 1).WithResetDelay(time.Second).WithClock(clock.Now)

	cb.RecordFailure("boom")
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow())

	cb.Release()
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.NoError(t, cb.Allow(), "A released probe slot can be taken again")
}
