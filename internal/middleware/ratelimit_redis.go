package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/geoface/attendance-server-go/internal/audit"
	"github.com/geoface/attendance-server-go/internal/config"
	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/httputil"
	redisclient "github.com/geoface/attendance-server-go/internal/redis"
)

const rateLimitWindow = 60 * time.Second

// RedisRateLimiter shares the sliding window across instances. When redis
// fails the local limiter decides instead.
type RedisRateLimiter struct {
	client   redis.Scripter
	fallback *RateLimiter
}

func NewRedisRateLimiter(client redis.Scripter) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, fallback: NewRateLimiter()}
}

func (rl *RedisRateLimiter) Check(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt int64) {
	res, err := redisclient.SlidingWindow(ctx, rl.client, redisclient.RateLimitKey("ip", key), limit, rateLimitWindow)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, using local limiter")
		return rl.fallback.Check(key, limit)
	}
	return res.Allowed, res.Remaining, res.ResetAt
}

// RedisRateLimitMiddleware limits requests per client IP.
type RedisRateLimitMiddleware struct {
	limiter *RedisRateLimiter
	limit   int
}

func NewRedisRateLimitMiddleware(client redis.Scripter, limitPerMin int) *RedisRateLimitMiddleware {
	if limitPerMin <= 0 {
		limitPerMin = config.DefaultRateLimitPerMin
	}
	return &RedisRateLimitMiddleware{
		limiter: NewRedisRateLimiter(client),
		limit:   limitPerMin,
	}
}

func (m *RedisRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, remaining, resetAt := m.limiter.Check(r.Context(), ip, m.limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			w.Header().Set("Retry-After", strconv.FormatInt(max(resetAt-time.Now().Unix(), 1), 10))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr, which chi's RealIP middleware
// has already rewritten from proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
