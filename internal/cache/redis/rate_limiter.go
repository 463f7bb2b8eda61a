package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set, so API limits hold across server replicas.
type RateLimiter struct {
	c      *Client
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter on c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:      c,
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed bool
	Count   int64
	// RetryAfter is how long until the oldest counted request leaves the
	// window. Zero when the request was allowed.
	RetryAfter time.Duration
}

// Check counts a request for key against limit per window.
func (rl *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := rl.now().UnixMicro()
	res, err := rl.script.Run(ctx, rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		now, window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("redis: rate limit %s: unexpected reply of %d values", key, len(res))
	}

	d := Decision{Allowed: res[0] == 1, Count: res[1]}
	if !d.Allowed && res[2] > 0 {
		d.RetryAfter = max(time.Duration(res[2]+window.Microseconds()-now)*time.Microsecond, 0)
	}
	return d, nil
}

// Allow reports whether a request for key is within limit per window and
// counts it when it is.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	d, err := rl.Check(ctx, key, limit, window)
	return d.Allowed, err
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
