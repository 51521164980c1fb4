package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitTracker_RetryAfterTakesPriorityOverBackoff(t *testing.T) {
	tr := NewRateLimitTracker(time.Minute)
	retryAfter := 5 * time.Second
	tr.RecordRateLimit("p", &retryAfter)
	until, ok := tr.BlockedUntil("p")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), until, 500*time.Millisecond)
}

func TestRateLimitTracker_ExponentialBackoffWithoutRetryAfter(t *testing.T) {
	tr := NewRateLimitTracker(time.Second)
	tr.RecordRateLimit("p", nil) // consecutive=1 -> base*2^0 = 1s
	until1, _ := tr.BlockedUntil("p")
	assert.WithinDuration(t, time.Now().Add(1*time.Second), until1, 200*time.Millisecond)

	tr.RecordRateLimit("p", nil) // consecutive=2 -> base*2^1 = 2s
	until2, _ := tr.BlockedUntil("p")
	assert.WithinDuration(t, time.Now().Add(2*time.Second), until2, 200*time.Millisecond)
}

func TestRateLimitTracker_IsBlockedLazyExpiry(t *testing.T) {
	tr := NewRateLimitTracker(time.Millisecond)
	retryAfter := time.Millisecond
	tr.RecordRateLimit("p", &retryAfter)
	assert.True(t, tr.IsBlocked("p"))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, tr.IsBlocked("p"), "expired entries are cleared lazily on access")
}

func TestRateLimitTracker_UnseenProviderNotBlocked(t *testing.T) {
	tr := NewRateLimitTracker(time.Second)
	assert.False(t, tr.IsBlocked("never-seen"))
}

func TestCalculateBackoffDuration_Saturates(t *testing.T) {
	d := calculateBackoffDuration(1000, time.Second)
	assert.Equal(t, time.Duration(1<<63-1), d)
}
