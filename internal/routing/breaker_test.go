package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	b := NewCircuitBreaker(DefaultBreakerConfig())
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestCircuitBreaker_EveryTransitionResetsCounters(t *testing.T) {
	// At threshold=3, 100 consecutive failures leave consecutive_failures at
	// 0: the 3rd failure trips Open and resets to 0, then the remaining 97
	// land while Open, where RecordFailure neither counts nor transitions.
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: time.Hour})
	for i := 0; i < 100; i++ {
		b.RecordFailure()
	}
	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures, "failures recorded after the breaker opened do not accumulate")
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: 10 * time.Millisecond})
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestCircuitBreaker_HalfOpenClosesAtSuccessThreshold(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: time.Millisecond})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestCircuitBreaker_HalfOpenReopensOnAnyFailure(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 5, OpenDuration: time.Millisecond})
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestCircuitBreaker_ClosedSuccessResetsFailureCounter(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, OpenDuration: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	snap := b.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State(), "counter reset means two more failures should not trip a threshold=3 breaker")
}

func TestCircuitBreaker_ForceOpenAndForceClose(t *testing.T) {
	b := NewCircuitBreaker(DefaultBreakerConfig())
	b.ForceOpen()
	assert.Equal(t, Open, b.State())
	b.ForceClose()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerRegistry_LazyPerProvider(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig())
	a := r.Get("provider-a")
	b := r.Get("provider-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("provider-a"))
}
