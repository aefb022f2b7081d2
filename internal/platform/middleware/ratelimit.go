package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"creditflow/internal/platform/redis"
)

// RateLimiter is a redis fixed-window per-IP limiter for unauthenticated
// routes. It fails open: a nil or unreachable redis lets traffic through and
// logs, since dropping carrier webhooks is worse than briefly losing the
// limit.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRateLimiter creates a limiter allowing limit requests per window per IP.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit, window: window, logger: logger}
}

// Limit wraps next with the per-IP window check.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil || rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		window := time.Now().Unix() / int64(rl.window.Seconds())
		key := "ratelimit:" + clientIP(r) + ":" + strconv.FormatInt(window, 10)

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.logger.WarnContext(ctx, "rate limiter unavailable", "error", err.Error())
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.redis.Expire(ctx, key, rl.window)
		}

		remaining := int64(rl.limit) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(rl.limit) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
