package webhook

import (
	"sync"
	"time"
)

// rateWindow is the sliding window over which per-IP requests are
// counted.
const rateWindow = time.Minute

// ipWindow holds the request timestamps for one client IP, oldest
// first.
type ipWindow struct {
	requests []time.Time
}

// RateLimiter implements per-IP rate limiting with a sliding window.
type RateLimiter struct {
	limits            map[string]*ipWindow
	maxRequestsPerMin int
	mu                sync.Mutex
	cleanupInterval   time.Duration
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		limits:            make(map[string]*ipWindow),
		maxRequestsPerMin: maxRequestsPerMinute,
		cleanupInterval:   5 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}

	// Start cleanup goroutine
	go rl.cleanupLoop()

	return rl
}

// CheckLimit reports whether a request from the given IP is allowed,
// and records it when it is.
func (rl *RateLimiter) CheckLimit(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	window, exists := rl.limits[ip]
	if !exists {
		window = &ipWindow{}
		rl.limits[ip] = window
	}

	window.prune(now)

	if len(window.requests) >= rl.maxRequestsPerMin {
		return false
	}

	window.requests = append(window.requests, now)
	return true
}

// GetRetryAfter returns the number of seconds until the oldest request
// leaves the window, rounded up.
func (rl *RateLimiter) GetRetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists := rl.limits[ip]
	if !exists || len(window.requests) == 0 {
		return 0
	}

	remaining := rateWindow - time.Since(window.requests[0])
	if remaining <= 0 {
		return 0
	}

	return int((remaining + time.Second - 1) / time.Second)
}

// prune drops timestamps that have aged out of the window. Timestamps
// are appended in order, so the first still-valid entry marks the cut.
func (w *ipWindow) prune(now time.Time) {
	cut := 0
	for cut < len(w.requests) && now.Sub(w.requests[cut]) >= rateWindow {
		cut++
	}
	if cut > 0 {
		w.requests = append(w.requests[:0], w.requests[cut:]...)
	}
}

// cleanupLoop periodically removes idle IPs
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes IPs with no requests inside the window.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	for ip, window := range rl.limits {
		window.prune(now)
		if len(window.requests) == 0 {
			delete(rl.limits, ip)
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
