package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUpToLimit(t *testing.T) {
	limiter := New(NewMemoryStore())

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check("payattempt:1", 3, time.Hour))
	}

	err := limiter.Check("payattempt:1", 3, time.Hour)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "payattempt:1", rl.Key)
	assert.Equal(t, 3, rl.Limit)
	assert.True(t, rl.RetryAfter > 0)
	assert.True(t, rl.RetryAfter <= time.Hour)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := New(NewMemoryStore())

	require.NoError(t, limiter.Check("payattempt:1", 1, time.Hour))
	require.Error(t, limiter.Check("payattempt:1", 1, time.Hour))
	require.NoError(t, limiter.Check("payattempt:2", 1, time.Hour))
}

func TestLimiterWindowExpiry(t *testing.T) {
	store := NewMemoryStore()
	limiter := New(store)

	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })

	require.NoError(t, limiter.Check("k", 1, time.Hour))
	require.Error(t, limiter.Check("k", 1, time.Hour))

	store.SetNowFunc(func() time.Time { return now.Add(61 * time.Minute) })
	require.NoError(t, limiter.Check("k", 1, time.Hour))
}

func TestRateLimitedErrorMessage(t *testing.T) {
	err := &RateLimitedError{Key: "k", Limit: 3, RetryAfter: time.Minute}
	assert.Contains(t, err.Error(), "k")
	assert.Contains(t, err.Error(), "3")
}
