package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderLimiter caps outbound status queries per provider using a
// sliding-window count in Redis. Denied calls are not failures: the task
// stays pending and the next sweep picks it up again.
type ProviderLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewProviderLimiter returns a Redis-backed sliding-window limiter.
// limit is the maximum number of provider calls allowed per window.
func NewProviderLimiter(client *redis.Client, limit int, window time.Duration) ProviderLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow returns true when the call is within the allowed rate. It uses a
// Redis sorted set as a timestamp ring buffer shared across poller replicas.
func (r *slidingWindowLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "ratelimit:provider:" + provider

	pipe := r.client.TxPipeline()
	// Evict timestamps that fell outside the window.
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	// Record this call with the current nanosecond timestamp as both score and member.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	// Count calls still in the window.
	countCmd := pipe.ZCard(ctx, rkey)
	// Keep the key alive for at least one more window.
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", provider, err)
	}

	if countCmd.Val() > int64(r.limit) {
		// Roll the timestamp back out: a denied call must not consume
		// budget, or a saturated provider's rejected sweep attempts would
		// extend its own throttling window.
		if err := r.client.ZRem(ctx, rkey, strconv.FormatInt(now, 10)).Err(); err != nil {
			return false, fmt.Errorf("rate limiter rollback for %q: %w", provider, err)
		}
		return false, nil
	}
	return true, nil
}
