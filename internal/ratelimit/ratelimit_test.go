package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actiongate/internal/config"
)

func TestMemoryBurstThenRefill(t *testing.T) {
	m := NewMemory(1, 2)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := m.Allow(ctx, "agent:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, _ := m.Allow(ctx, "agent:a")
	assert.False(t, ok, "burst exhausted")

	ok, _ = m.Allow(ctx, "agent:b")
	assert.True(t, ok, "keys are independent")

	clock = clock.Add(time.Second)
	ok, _ = m.Allow(ctx, "agent:a")
	assert.True(t, ok, "one token refilled")
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory(1, 1)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	_, _ = m.Allow(context.Background(), "old")
	clock = clock.Add(5 * time.Minute)
	_, _ = m.Allow(context.Background(), "fresh")
	assert.Equal(t, 1, m.Sweep(3*time.Minute))
	assert.Len(t, m.visitors, 1)
}

func TestNewDisabledAndMemory(t *testing.T) {
	l, closeFn, err := New(config.RateLimitConfig{})
	require.NoError(t, err)
	assert.Nil(t, l)
	require.NoError(t, closeFn())

	l, _, err = New(config.RateLimitConfig{RPS: 5, Burst: 10})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, l)
}

// Needs a live server: ACTIONGATE_TEST_REDIS_ADDR=127.0.0.1:6379.
func TestRedisTokenBucket(t *testing.T) {
	addr := os.Getenv("ACTIONGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACTIONGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	r := NewRedis(client, 0.001, 2)
	key := uuid.NewString()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := r.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := r.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
