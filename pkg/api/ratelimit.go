package api

import (
	"math"
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter per identity. Windows are anchored
// to each identity's first request, which keeps the bookkeeping to one
// counter and one deadline per key.
type rateLimiter struct {
	window time.Duration
	limit  int

	mu      sync.Mutex
	buckets map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(windowSize time.Duration, limit int) *rateLimiter {
	return &rateLimiter{
		window:  windowSize,
		limit:   limit,
		buckets: make(map[string]*window),
	}
}

// Allow records one request for key. When the limit is exceeded it returns
// false and the seconds until the window resets, for the Retry-After header.
func (l *rateLimiter) Allow(key string) (ok bool, retryAfter int) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.buckets[key]
	if !exists || now.After(w.resetAt) {
		l.evictExpired(now)
		l.buckets[key] = &window{count: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if w.count >= l.limit {
		return false, int(math.Ceil(time.Until(w.resetAt).Seconds()))
	}
	w.count++
	return true, 0
}

// evictExpired drops lapsed windows; callers hold the lock. Run on the
// window-rollover path so the map stays bounded by active identities.
func (l *rateLimiter) evictExpired(now time.Time) {
	for key, w := range l.buckets {
		if now.After(w.resetAt) {
			delete(l.buckets, key)
		}
	}
}
