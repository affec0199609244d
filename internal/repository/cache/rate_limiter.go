// internal/repository/cache/rate_limiter.go
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter per scope and caller.
type RateLimiter struct {
	client redis.UniversalClient
}

func NewRateLimiter(client redis.UniversalClient) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow counts one request and reports whether the caller is still within max for
// the current window.
func (r *RateLimiter) Allow(ctx context.Context, scope, caller string, max int64, window time.Duration) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", scope, caller)

	// SET NX EX opens the window with its expiry; INCR keeps the TTL.
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return incr.Val() <= max, nil
}
