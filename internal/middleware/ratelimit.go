package middleware

import (
	"sync"
	"time"
)

const (
	localWindow     = time.Minute
	localMaxWindows = 10000
)

type localWindowCount struct {
	start time.Time
	count int
}

// RateLimiter counts requests per key in fixed one-minute windows inside this
// process. RedisRateLimiter falls back to it while redis is unreachable, so
// it only needs to be roughly right.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindowCount
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*localWindowCount),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Check(key string, limit int) (allowed bool, remaining int, resetAt int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= localWindow {
		if !ok && len(rl.windows) >= localMaxWindows {
			rl.evictExpired(now)
		}
		w = &localWindowCount{start: now}
		rl.windows[key] = w
	}
	resetAt = w.start.Add(localWindow).Unix()

	if w.count >= limit {
		return false, 0, resetAt
	}
	w.count++
	return true, limit - w.count, resetAt
}

// evictExpired drops finished windows. If every window is still live the
// map is reset; the limiter forgets counts rather than growing unbounded.
func (rl *RateLimiter) evictExpired(now time.Time) {
	for key, w := range rl.windows {
		if now.Sub(w.start) >= localWindow {
			delete(rl.windows, key)
		}
	}
	if len(rl.windows) >= localMaxWindows {
		rl.windows = make(map[string]*localWindowCount)
	}
}
