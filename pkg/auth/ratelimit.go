package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Route classes for rate limiting. Limits are configured per class, keyed by
// (key_id, class). A zero RPM disables the class entirely.
const (
	ClassSend        = "send"
	ClassStatus      = "status"
	ClassInboundList = "inbound-list"
	ClassInboundGet  = "inbound-get"
	ClassAdmin       = "admin"
)

// LimiterStore abstracts the storage for rate limiting buckets, so a Redis
// variant can be swapped in for multi-replica deployments.
type LimiterStore interface {
	// Allow reports whether the actor may proceed under the given RPM.
	Allow(ctx context.Context, actorKey string, rpm int) (bool, error)
}

// RateLimiter enforces per-key, per-route-class request budgets.
type RateLimiter struct {
	store LimiterStore
	// rpm per route class; zero disables.
	limits map[string]int
}

// NewRateLimiter builds a limiter over the given store and class limits.
func NewRateLimiter(store LimiterStore, limits map[string]int) *RateLimiter {
	return &RateLimiter{store: store, limits: limits}
}

// Allow checks the budget for (keyID, class). Disabled classes always pass.
// Limiter store errors fail open; rejecting all traffic on a limiter outage
// is worse than briefly not limiting.
func (rl *RateLimiter) Allow(ctx context.Context, keyID, class string) (allowed bool, retryAfter int) {
	if rl == nil || rl.store == nil {
		return true, 0
	}
	rpm := rl.limits[class]
	if rpm <= 0 {
		return true, 0
	}
	ok, err := rl.store.Allow(ctx, keyID+"/"+class, rpm)
	if err != nil || ok {
		return true, 0
	}
	retryAfter = 60 / rpm
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// visitor pairs a limiter with its last use for staleness cleanup.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore is the single-process default, one token bucket per
// (key, class) pair.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*visitor
}

// NewMemoryLimiterStore creates the store and starts background cleanup.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	s := &MemoryLimiterStore{buckets: make(map[string]*visitor)}
	go s.cleanup()
	return s
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, actorKey string, rpm int) (bool, error) {
	s.mu.Lock()
	v, ok := s.buckets[actorKey]
	if !ok {
		// Burst equals the full minute budget, so exactly rpm requests in a
		// burst are allowed and request rpm+1 is denied.
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)}
		s.buckets[actorKey] = v
	}
	v.lastSeen = time.Now()
	s.mu.Unlock()

	return v.limiter.Allow(), nil
}

// cleanup removes buckets idle for more than ten minutes.
func (s *MemoryLimiterStore) cleanup() {
	for {
		time.Sleep(1 * time.Minute)
		s.mu.Lock()
		for k, v := range s.buckets {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(s.buckets, k)
			}
		}
		s.mu.Unlock()
	}
}
