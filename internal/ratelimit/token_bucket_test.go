package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, err := bucket.Allow(ctx, "client-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = bucket.Allow(ctx, "client-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = bucket.Allow(ctx, "client-1")
	require.NoError(t, err)
	require.False(t, allowed, "bucket capacity exhausted")

	// A different client has its own bucket.
	allowed, err = bucket.Allow(ctx, "client-2")
	require.NoError(t, err)
	require.True(t, allowed)

	// Note: refill cannot be tested with miniredis.FastForward() because
	// the Lua script receives time from Go's time.Now(), not Redis's
	// internal clock.
}
