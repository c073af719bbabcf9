package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterEnforcesLimit(t *testing.T) {
	l := newRateLimiter(time.Hour, 3)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("token-a")
		assert.True(t, ok)
	}
	ok, retryAfter := l.Allow("token-a")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, 0)

	// Other identities are unaffected.
	ok, _ = l.Allow("token-b")
	assert.True(t, ok)
}

func TestRateLimiterWindowResets(t *testing.T) {
	l := newRateLimiter(30*time.Millisecond, 1)

	ok, _ := l.Allow("ip")
	assert.True(t, ok)
	ok, _ = l.Allow("ip")
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)
	ok, _ = l.Allow("ip")
	assert.True(t, ok)
}

func TestRateLimiterEvictsLapsedWindows(t *testing.T) {
	l := newRateLimiter(10*time.Millisecond, 5)

	l.Allow("a")
	l.Allow("b")
	time.Sleep(20 * time.Millisecond)

	// The rollover path prunes every lapsed window, not just this key's.
	l.Allow("a")
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buckets, 1)
}
