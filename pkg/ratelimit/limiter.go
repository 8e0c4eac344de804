package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Granularity selects how bucket keys are derived
const (
	// GranularityService shares one bucket per external service
	GranularityService = "service"

	// GranularityToolTenant gives each tool+tenant pair its own bucket
	GranularityToolTenant = "tool_tenant"
)

// Limits defines a token bucket: sustained rate in tokens per second
// and burst capacity
type Limits struct {
	Rate  float64 `json:"rate"`
	Burst float64 `json:"burst"`
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed bool `json:"allowed"`

	// RetryAfter estimates when one token will be available. Only
	// meaningful when Allowed is false.
	RetryAfter time.Duration `json:"retry_after"`

	// Key is the bucket the decision was made against
	Key string `json:"key"`
}

// Store holds bucket state. Take refills the bucket for the elapsed
// time, then consumes cost tokens if available, returning the remaining
// token count either way.
type Store interface {
	Take(ctx context.Context, key string, limits Limits, cost float64) (allowed bool, remaining float64, err error)
}

// Limiter applies token bucket admission control ahead of the circuit
// breaker, so throttled requests never count against breaker health.
type Limiter struct {
	store       Store
	granularity string
	defaults    Limits
}

// New creates a limiter. Unknown granularity falls back to per-service
// buckets.
func New(store Store, granularity string, defaults Limits) *Limiter {
	if granularity != GranularityToolTenant {
		granularity = GranularityService
	}
	return &Limiter{
		store:       store,
		granularity: granularity,
		defaults:    defaults,
	}
}

// Allow consumes one token for the given scope. Manifest overrides take
// precedence over daemon defaults. A store error denies: admission
// control must not silently disappear when its backend does.
func (l *Limiter) Allow(ctx context.Context, service, tool, tenant string, override *Limits) (Decision, error) {
	return l.AllowN(ctx, service, tool, tenant, 1, override)
}

// AllowN consumes cost tokens at once, for callers that weight calls by
// expense. Never blocks.
func (l *Limiter) AllowN(ctx context.Context, service, tool, tenant string, cost float64, override *Limits) (Decision, error) {
	key := l.keyFor(service, tool, tenant)

	limits := l.defaults
	if override != nil && override.Rate > 0 {
		limits = *override
	}
	if cost <= 0 {
		cost = 1
	}

	allowed, remaining, err := l.store.Take(ctx, key, limits, cost)
	if err != nil {
		return Decision{Allowed: false, Key: key}, fmt.Errorf("limiter store: %w", err)
	}

	dec := Decision{Allowed: allowed, Key: key}
	if !allowed {
		dec.RetryAfter = retryAfter(remaining, cost, limits.Rate)
	}
	return dec, nil
}

func (l *Limiter) keyFor(service, tool, tenant string) string {
	if l.granularity == GranularityToolTenant {
		return fmt.Sprintf("tool:%s:tenant:%s", tool, tenant)
	}
	return "svc:" + service
}

// retryAfter estimates the wait until the bucket holds cost tokens
func retryAfter(remaining, cost, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	deficit := cost - remaining
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / rate * float64(time.Second))
}
