package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNames(t *testing.T) {
	assert.Equal(t, "attendance:events:asha@school.test", EventChannel("asha@school.test"))
	assert.Equal(t, "attendance:ratelimit:ip:10.0.0.1", RateLimitKey("ip", "10.0.0.1"))
	assert.NotEqual(t, RateLimitKey("ip", "x"), RateLimitKey("start", "x"))
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient("not a url")
	assert.Error(t, err)
}

func TestSlidingWindow_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999", MaxRetries: -1})
	defer client.Close()

	_, err := SlidingWindow(context.Background(), client, "k", 5, time.Minute)
	assert.Error(t, err)
}

func TestSlidingWindow(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	key := RateLimitKey("test", time.Now().Format(time.RFC3339Nano))

	for i := 0; i < 3; i++ {
		res, err := SlidingWindow(ctx, client, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3-i-1, res.Remaining)
	}

	res, err := SlidingWindow(ctx, client, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Greater(t, res.ResetAt, time.Now().Unix())
}
