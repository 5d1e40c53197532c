package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is a token bucket with a secondary fixed window cap.
// Refill occurs lazily on each Allow check based on elapsed time.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64         // bucket capacity
	fillRate     float64       // tokens per second
	available    float64       // current tokens
	lastRefill   time.Time     // last refill time
	windowStart  time.Time     // window start
	windowDur    time.Duration // window length
	windowCount  int64         // requests in current window
	maxPerWindow int64         // hard cap per window, 0 disables
	lastUsed     time.Time

	now         func() time.Time
	windowDrops metric.Int64Counter
	tokenDrops  metric.Int64Counter
}

// NewRateLimiter creates a combined token bucket + window limiter.
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	return newRateLimiter(capacity, fillRate, windowDur, maxPerWindow, time.Now)
}

func newRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64, now func() time.Time) *RateLimiter {
	meter := otel.GetMeterProvider().Meter("swarm-go")
	wd, _ := meter.Int64Counter("swarm_ratelimiter_window_drops_total")
	td, _ := meter.Int64Counter("swarm_ratelimiter_token_drops_total")
	t := now()
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   t,
		windowStart:  t,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
		lastUsed:     t,
		now:          now,
		windowDrops:  wd,
		tokenDrops:   td,
	}
}

// Allow returns whether one token can be consumed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.lastUsed = now
	r.refill(now)

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}
	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		r.windowDrops.Add(context.Background(), 1)
		return false
	}
	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	r.tokenDrops.Add(context.Background(), 1)
	return false
}

// ReserveAfter returns the duration after which n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.now())
	need := float64(n)
	if r.available >= need || r.fillRate <= 0 {
		return 0
	}
	return time.Duration((need - r.available) / r.fillRate * float64(time.Second))
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.available = min(float64(r.capacity), r.available+elapsed*r.fillRate)
	r.lastRefill = now
}

func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}
