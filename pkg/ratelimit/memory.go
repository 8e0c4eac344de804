package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is one in-process token bucket
type bucket struct {
	mu      sync.Mutex
	tokens  float64
	updated time.Time
}

// take refills for elapsed wall time, then consumes cost tokens if the
// bucket holds enough
func (b *bucket) take(limits Limits, cost float64, now time.Time) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.updated).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(limits.Burst, b.tokens+elapsed*limits.Rate)
		b.updated = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true, b.tokens
	}
	return false, b.tokens
}

// MemoryStore keeps buckets in process memory. This is the default
// store for a single daemon; multi-instance deployments use RedisStore
// so all instances share bucket state.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Take implements Store
func (s *MemoryStore) Take(_ context.Context, key string, limits Limits, cost float64) (bool, float64, error) {
	allowed, remaining := s.bucketFor(key, limits).take(limits, cost, s.now())
	return allowed, remaining, nil
}

func (s *MemoryStore) bucketFor(key string, limits Limits) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok {
		return b
	}
	b = &bucket{tokens: limits.Burst, updated: s.now()}
	s.buckets[key] = b
	return b
}

// Len returns the number of live buckets
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// PruneIdle drops buckets untouched for longer than maxIdle. The
// retention sweep calls this so tenant churn does not grow the map
// without bound.
func (s *MemoryStore) PruneIdle(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for key, b := range s.buckets {
		b.mu.Lock()
		idle := b.updated.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(s.buckets, key)
			pruned++
		}
	}
	return pruned
}
