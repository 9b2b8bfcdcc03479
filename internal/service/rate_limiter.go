package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/geoface/attendance-server-go/internal/redis"
)

// Verification starts are throttled per identity: each one downloads a
// reference image and calls the embedding service.
const (
	startLimit       = 10
	startLimitWindow = time.Minute
)

// StartLimiter gates verification starts.
type StartLimiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

// RateLimiter is the redis-backed StartLimiter.
type RateLimiter struct {
	client redis.Scripter
}

func NewRateLimiter(client redis.Scripter) *RateLimiter {
	return &RateLimiter{client: client}
}

// CheckLimit records a start for key. Redis failures let the start through;
// the per-IP limit still applies.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	res, err := redisclient.SlidingWindow(ctx, rl.client, redisclient.RateLimitKey("start", key), limit, window)
	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("start rate limit check failed, allowing request")
		return true, time.Now().Add(window)
	}
	return res.Allowed, time.Unix(res.ResetAt, 0)
}
