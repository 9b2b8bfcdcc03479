package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per accepted request and
// returns {allowed, remaining, resetAt}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = now + window
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

return {1, limit - count - 1, now + window}
`)

// WindowResult is the outcome of one sliding-window check.
type WindowResult struct {
	Allowed   bool
	Remaining int
	ResetAt   int64
}

// SlidingWindow records a request against key and reports whether it fits
// in limit requests per window.
func SlidingWindow(ctx context.Context, client redis.Scripter, key string, limit int, window time.Duration) (WindowResult, error) {
	now := time.Now().Unix()

	res, err := slidingWindowScript.Run(ctx, client, []string{key}, now, int64(window.Seconds()), limit).Int64Slice()
	if err != nil {
		return WindowResult{}, err
	}
	if len(res) != 3 {
		return WindowResult{}, fmt.Errorf("sliding window: unexpected result length %d", len(res))
	}

	return WindowResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   res[2],
	}, nil
}
