package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backdate shifts recorded request timestamps out of the window so
// tests need not sleep through it.
func backdate(rl *RateLimiter, ip string, n int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.limits[ip]
	for i := 0; i < n && i < len(w.requests); i++ {
		w.requests[i] = time.Now().Add(-rateWindow - time.Second)
	}
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(5)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, rl.CheckLimit("192.168.1.1"), "request %d is inside the cap", i+1)
	}
	assert.False(t, rl.CheckLimit("192.168.1.1"))
}

func TestRateLimiterPerIPIsolation(t *testing.T) {
	rl := NewRateLimiter(3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		require.True(t, rl.CheckLimit("10.0.0.1"))
		require.True(t, rl.CheckLimit("10.0.0.2"))
	}
	assert.False(t, rl.CheckLimit("10.0.0.1"))
	assert.False(t, rl.CheckLimit("10.0.0.2"))
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()

	assert.Equal(t, 0, rl.GetRetryAfter("10.0.0.1"), "an unseen IP has nothing to wait for")

	rl.CheckLimit("10.0.0.1")
	rl.CheckLimit("10.0.0.1")
	require.False(t, rl.CheckLimit("10.0.0.1"))

	retryAfter := rl.GetRetryAfter("10.0.0.1")
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()

	require.True(t, rl.CheckLimit("10.0.0.1"))
	require.True(t, rl.CheckLimit("10.0.0.1"))
	require.False(t, rl.CheckLimit("10.0.0.1"))

	// Once the oldest request ages out, capacity comes back.
	backdate(rl, "10.0.0.1", 1)
	assert.True(t, rl.CheckLimit("10.0.0.1"))
}

func TestRateLimiterCleanupDropsIdleIPs(t *testing.T) {
	rl := NewRateLimiter(5)
	defer rl.Stop()

	rl.CheckLimit("10.0.0.1")
	backdate(rl, "10.0.0.1", 1)

	rl.cleanup()

	rl.mu.Lock()
	_, exists := rl.limits["10.0.0.1"]
	rl.mu.Unlock()
	assert.False(t, exists, "an IP with no requests in the window is forgotten")
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(5)
	assert.NotPanics(t, func() {
		rl.Stop()
		rl.Stop()
	})
}
