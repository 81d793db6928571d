package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterStore_BurstBudget(t *testing.T) {
	s := NewMemoryLimiterStore()
	ctx := context.Background()

	// The full minute budget is available as a burst; request rpm+1 is denied.
	const rpm = 5
	for i := 0; i < rpm; i++ {
		ok, err := s.Allow(ctx, "key/send", rpm)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, err := s.Allow(ctx, "key/send", rpm)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterStore_IndependentActors(t *testing.T) {
	s := NewMemoryLimiterStore()
	ctx := context.Background()

	ok, err := s.Allow(ctx, "a/send", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Allow(ctx, "a/send", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different key, and a different class of the same key, have their
	// own buckets.
	ok, err = s.Allow(ctx, "b/send", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Allow(ctx, "a/status", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiter_DisabledClass(t *testing.T) {
	rl := NewRateLimiter(NewMemoryLimiterStore(), map[string]int{ClassSend: 0})
	for i := 0; i < 100; i++ {
		allowed, _ := rl.Allow(context.Background(), "key", ClassSend)
		assert.True(t, allowed)
	}
}

func TestRateLimiter_EnforcesAndReportsRetryAfter(t *testing.T) {
	rl := NewRateLimiter(NewMemoryLimiterStore(), map[string]int{ClassSend: 2})

	allowed, _ := rl.Allow(context.Background(), "key", ClassSend)
	assert.True(t, allowed)
	allowed, _ = rl.Allow(context.Background(), "key", ClassSend)
	assert.True(t, allowed)

	allowed, retryAfter := rl.Allow(context.Background(), "key", ClassSend)
	assert.False(t, allowed)
	assert.Equal(t, 30, retryAfter)
}

func TestRateLimiter_NilLimiterPasses(t *testing.T) {
	var rl *RateLimiter
	allowed, _ := rl.Allow(context.Background(), "key", ClassSend)
	assert.True(t, allowed)
}

// erroringStore simulates a limiter backend outage.
type erroringStore struct{}

func (erroringStore) Allow(context.Context, string, int) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestRateLimiter_FailsOpenOnStoreError(t *testing.T) {
	rl := NewRateLimiter(erroringStore{}, map[string]int{ClassSend: 1})
	allowed, _ := rl.Allow(context.Background(), "key", ClassSend)
	assert.True(t, allowed)
}
