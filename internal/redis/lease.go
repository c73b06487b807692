package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only if this holder still owns it.
// The atomic Lua check avoids renewing a lease another instance took over.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Lease is a best-effort leader lease for the poller. Sweeps are safe to
// run concurrently (per-task reconciliation is serialized in the store),
// so the lease only keeps N replicas from multiplying provider traffic.
type Lease struct {
	client   *redis.Client
	key      string
	holderID string
	ttl      time.Duration
}

// NewLease creates a lease on key held as holderID for ttl per renewal.
func NewLease(client *redis.Client, key, holderID string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, holderID: holderID, ttl: ttl}
}

// Acquire attempts to take or renew the lease. Returns true when this
// instance holds it. Errors are reported so callers can log, with held=false.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holderID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease SetNX %q: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holderID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease renew %q: %w", l.key, err)
	}
	return result == 1, nil
}

// Release gives up the lease if still held by this instance.
func (l *Lease) Release(ctx context.Context) error {
	releaseScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holderID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release %q: %w", l.key, err)
	}
	return nil
}
