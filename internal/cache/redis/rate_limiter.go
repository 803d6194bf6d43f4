package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/natebag/trenchtools/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// Wait admits one call per waitWindow per key and sleeps between
// waitMinBackoff and waitMaxBackoff while refused.
const (
	waitWindow     = time.Second
	waitMinBackoff = 10 * time.Millisecond
	waitMaxBackoff = time.Second
)

// RateLimiter is a sliding-window limiter over Redis sorted sets. The HTTP
// API uses it to throttle manual sell, emergency and retry calls across
// every engine process sharing the database.
type RateLimiter struct {
	rdb    *redis.Client
	keys   keyspace
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.rdb,
		keys:   c.keys,
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}
}

// decision is one evaluation of the sliding window.
type decision struct {
	allowed    bool
	count      int64
	retryAfter time.Duration
}

func (rl *RateLimiter) take(ctx context.Context, key string, limit int, window time.Duration) (decision, error) {
	res, err := rl.script.Run(ctx, rl.rdb,
		[]string{rl.keys.key("ratelimit", key)},
		rl.now().UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return decision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return decision{}, fmt.Errorf("redis: rate limit %s: malformed reply %v", key, res)
	}
	return decision{
		allowed:    res[0] == 1,
		count:      res[1],
		retryAfter: time.Duration(res[2]) * time.Microsecond,
	}, nil
}

// Allow records a request against key and reports whether it fits within
// limit requests per window. Refused requests are not recorded.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	d, err := rl.take(ctx, key, limit, window)
	if err != nil {
		return false, err
	}
	return d.allowed, nil
}

// Wait blocks until key is admitted at one call per second, sleeping until
// the oldest admitted call leaves the window.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		d, err := rl.take(ctx, key, 1, waitWindow)
		if err != nil {
			return err
		}
		if d.allowed {
			return nil
		}

		backoff := min(max(d.retryAfter, waitMinBackoff), waitMaxBackoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
