package resilience

import (
	"sync"
	"time"
)

// KeyedLimiter hands out one RateLimiter per key (client address, subject,
// tenant) with identical settings. Limiters idle for longer than idleTTL are
// evicted on Sweep.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter

	capacity     int64
	fillRate     float64
	windowDur    time.Duration
	maxPerWindow int64
	idleTTL      time.Duration
	now          func() time.Time
}

func NewKeyedLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64, idleTTL time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters:     make(map[string]*RateLimiter),
		capacity:     capacity,
		fillRate:     fillRate,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
		idleTTL:      idleTTL,
		now:          time.Now,
	}
}

// Allow consumes one token from key's bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

// RetryAfter reports when key can send one more request.
func (k *KeyedLimiter) RetryAfter(key string) time.Duration {
	return k.get(key).ReserveAfter(1)
}

func (k *KeyedLimiter) get(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	rl, ok := k.limiters[key]
	if !ok {
		rl = newRateLimiter(k.capacity, k.fillRate, k.windowDur, k.maxPerWindow, k.now)
		k.limiters[key] = rl
	}
	return rl
}

// Sweep drops idle limiters and returns how many were removed.
func (k *KeyedLimiter) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := k.now().Add(-k.idleTTL)
	n := 0
	for key, rl := range k.limiters {
		if rl.idleSince().Before(cutoff) {
			delete(k.limiters, key)
			n++
		}
	}
	return n
}

// Len is the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
