package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowLimiter counts hits in fixed windows shared across
// processes. One INCR plus a conditional expiry per request.
type redisWindowLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWindowLimiter(client redis.UniversalClient, prefix string) Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &redisWindowLimiter{client: client, prefix: prefix}
}

func (l *redisWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := time.Now()
	window := now.UnixMilli() / policy.SustainedWindow.Milliseconds()
	redisKey := fmt.Sprintf("%s:{%s}:%d", l.prefix, key, window)

	hits, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, err
	}
	if hits == 1 {
		// First hit owns the expiry. The key name is window-scoped, so
		// a failed expire only leaves one stale counter behind.
		if err := l.client.PExpire(ctx, redisKey, 2*policy.SustainedWindow).Err(); err != nil {
			return Decision{}, err
		}
	}

	resetAt := time.UnixMilli((window + 1) * policy.SustainedWindow.Milliseconds())
	remaining := policy.SustainedLimit - int(hits)
	if remaining < 0 {
		remaining = 0
	}
	if hits > int64(policy.SustainedLimit) {
		retry := time.Until(resetAt)
		if retry <= 0 {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}
