package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestRateLimiterBasic(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	rl := newRateLimiter(5, 5, time.Second, 10, clk.now)
	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(), "allow %d", i)
	}
	assert.False(t, rl.Allow(), "deny after capacity")
	assert.Equal(t, 200*time.Millisecond, rl.ReserveAfter(1))

	clk.advance(1100 * time.Millisecond)
	assert.True(t, rl.Allow(), "allow after refill")
}

func TestRateLimiterWindowCap(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	rl := newRateLimiter(100, 100, time.Second, 3, clk.now)
	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow())
	}
	assert.False(t, rl.Allow())
	clk.advance(time.Second)
	assert.True(t, rl.Allow())
}

func TestKeyedLimiterIsolatesKeysAndSweeps(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	kl := NewKeyedLimiter(1, 1, time.Second, 0, time.Minute)
	kl.now = clk.now

	assert.True(t, kl.Allow("10.0.0.1"))
	assert.False(t, kl.Allow("10.0.0.1"))
	assert.True(t, kl.Allow("10.0.0.2"))
	assert.Equal(t, time.Second, kl.RetryAfter("10.0.0.1"))
	assert.Equal(t, 2, kl.Len())

	clk.advance(2 * time.Minute)
	assert.Equal(t, 2, kl.Sweep())
	assert.Equal(t, 0, kl.Len())
}

func TestCircuitBreaker(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("store", 3, 500*time.Millisecond, 2)
	cb.now = clk.now

	for i := 0; i < 3; i++ {
		require.True(t, cb.Allow(), "closed allows")
		cb.RecordResult(false)
	}
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.Allow())

	clk.advance(600 * time.Millisecond)
	require.True(t, cb.Allow(), "first trial")
	assert.Equal(t, "half-open", cb.State())
	require.True(t, cb.Allow(), "second trial")
	assert.False(t, cb.Allow(), "trial budget spent")
	cb.RecordResult(true)
	cb.RecordResult(true)
	assert.Equal(t, "closed", cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerTrialFailureReopens(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cb := NewCircuitBreaker("store", 1, time.Second, 1)
	cb.now = clk.now
	cb.RecordResult(false)
	clk.advance(time.Second)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.Equal(t, "open", cb.State())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("store", 2, time.Second, 1)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	assert.Equal(t, "closed", cb.State())
}

func TestRetry(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), "test", 3, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)

	boom := errors.New("boom")
	_, err = Retry(context.Background(), "test", 2, time.Millisecond, func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Retry(ctx, "test", 5, time.Hour, func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, context.Canceled)
}
