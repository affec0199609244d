package cache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to SUBSYNC_TEST_REDIS_ADDR and skips when it is unset.
func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("SUBSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SUBSYNC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRateLimiter_Allow(t *testing.T) {
	client := testClient(t)
	limiter := NewRateLimiter(client)
	ctx := context.Background()
	scope := "test-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, scope, "10.0.0.1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, scope, "10.0.0.1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, scope, "10.0.0.2", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "callers are counted separately")

	ttl, err := client.TTL(ctx, "ratelimit:"+scope+":10.0.0.1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "every window must carry an expiry")
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestResultCache_GetSet(t *testing.T) {
	cache := NewResultCache(testClient(t))
	ctx := context.Background()
	key := uuid.NewString()

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Set(ctx, key, json.RawMessage(`{"id":1}`), time.Minute))
	got, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(got))

	require.NoError(t, cache.Set(ctx, "expired-"+key, json.RawMessage(`1`), 0))
	got, err = cache.Get(ctx, "expired-"+key)
	require.NoError(t, err)
	assert.Nil(t, got)
}
