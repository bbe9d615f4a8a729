package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter as a sliding window over a
// sorted set, evaluated atomically in Lua so limits hold cluster-wide.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
	now           func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
		now:           time.Now,
	}
}

// Allow counts one request against key and reports whether it fits in
// limit requests per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	now := rl.now()
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{key},
		now.UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(result) < 3 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: unexpected result length %d", key, len(result))
	}

	resetAt := time.UnixMicro(result[2]).Add(window)
	d := domain.RateDecision{
		Allowed:   result[0] == 1,
		Limit:     limit,
		Remaining: max(limit-int(result[1]), 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = max(resetAt.Sub(now), time.Millisecond)
	}
	return d, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
