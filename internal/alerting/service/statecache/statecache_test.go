package statecache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseCache(t *testing.T, c Cache, advance func(time.Duration)) {
	ctx := context.Background()
	rule := "rule-" + uuid.NewString()

	tok, ok, err := c.AcquireCooldown(ctx, rule, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireCooldown(ctx, rule, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire inside the window must fail")

	// a stale token must not release someone else's guard
	require.NoError(t, c.ReleaseCooldown(ctx, rule, "not-the-owner"))
	_, ok, _ = c.AcquireCooldown(ctx, rule, time.Minute)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseCooldown(ctx, rule, tok))
	_, ok, err = c.AcquireCooldown(ctx, rule, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released guard can be re-acquired")

	_, ok, err = c.AcquireCooldown(ctx, rule+"-nocooldown", 0)
	require.NoError(t, err)
	assert.True(t, ok, "zero cooldown never blocks")

	key := "window:" + rule + ":1700000000"
	first, err := c.MarkOnce(ctx, key, time.Minute)
	require.NoError(t, err)
	second, err := c.MarkOnce(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, c.ReleaseMark(ctx, key))
	reclaimed, err := c.MarkOnce(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaimed, "released mark can be taken again")

	if advance != nil {
		advance(2 * time.Minute)
		again, err := c.MarkOnce(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.True(t, again, "mark expires after ttl")
	}
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	exerciseCache(t, c, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisCache(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	exerciseCache(t, NewRedisCache(rdb), nil)
}
