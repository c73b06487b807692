package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup marks at-least-once events as handled so consumers act on each
// logical event only once within the retention window.
type Dedup interface {
	// First returns true the first time key is seen; subsequent calls
	// within the TTL return false.
	First(ctx context.Context, key string) (bool, error)
}

type dedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedup creates a SETNX-based dedup marker store.
func NewDedup(client *redis.Client, ttl time.Duration) Dedup {
	return &dedup{client: client, ttl: ttl}
}

func (d *dedup) First(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "dedup:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SetNX %q: %w", key, err)
	}
	return ok, nil
}
