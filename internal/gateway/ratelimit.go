package gateway

import (
	"math"
	"sync"
	"time"
)

// limiter applies a token bucket per authenticated identity so one noisy
// client cannot starve the rest. Buckets refill continuously at the
// configured per-minute rate up to the burst size.
type limiter struct {
	enabled    bool
	refillRate float64 // tokens per second
	burst      float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func newLimiter(enabled bool, requestsPerMinute, burstSize int) *limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = requestsPerMinute
	}
	return &limiter{
		enabled:    enabled,
		refillRate: float64(requestsPerMinute) / 60.0,
		burst:      float64(burstSize),
		buckets:    map[string]*bucket{},
	}
}

// allow takes one token for the identity. When the bucket is empty it
// returns false plus the whole seconds until a token will be available.
func (l *limiter) allow(identity string) (bool, int) {
	if l == nil {
		return true, 0
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return true, 0
	}

	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[identity] = b
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.refillRate)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	retry := int(math.Ceil((1 - b.tokens) / l.refillRate))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

// update swaps in hot-reloaded limits. Existing buckets keep their fill
// so a reload never grants a free burst.
func (l *limiter) update(enabled bool, requestsPerMinute, burstSize int) {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burstSize <= 0 {
		burstSize = requestsPerMinute
	}
	l.mu.Lock()
	l.enabled = enabled
	l.refillRate = float64(requestsPerMinute) / 60.0
	l.burst = float64(burstSize)
	l.mu.Unlock()
}

// evictStale drops buckets idle longer than maxAge. Run from the
// maintenance schedule.
func (l *limiter) evictStale(maxAge time.Duration) int {
	if l == nil {
		return 0
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) > maxAge {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}
