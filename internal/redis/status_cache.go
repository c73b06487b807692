package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adloom/go-adloom/internal/domain"
)

const cacheTTL = 24 * time.Hour

func statusKey(provider, taskID string) string {
	return "task:status:" + provider + ":" + taskID
}

func metaKey(provider, taskID string) string {
	return "task:meta:" + provider + ":" + taskID
}

// StatusCache is a TTL-bounded side cache of task state in front of the
// Postgres store. It only saves reads: Postgres remains the system of
// record and a cache miss or stale entry costs nothing but a DB lookup.
type StatusCache interface {
	SetStatus(ctx context.Context, provider, taskID string, status domain.Status) error
	GetStatus(ctx context.Context, provider, taskID string) (domain.Status, error)
	SetTaskMeta(ctx context.Context, task *domain.GenerationTask) error
	GetTaskMeta(ctx context.Context, provider, taskID string) (*domain.GenerationTask, error)
	// Ping verifies connectivity, for readiness probes.
	Ping(ctx context.Context) error
}

type statusCache struct {
	client *redis.Client
}

// NewStatusCache creates a Redis-backed StatusCache.
func NewStatusCache(client *redis.Client) StatusCache {
	return &statusCache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (c *statusCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *statusCache) SetStatus(ctx context.Context, provider, taskID string, status domain.Status) error {
	err := c.client.Set(ctx, statusKey(provider, taskID), string(status), cacheTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set status for %s/%s: %w", provider, taskID, err)
	}
	return nil
}

func (c *statusCache) GetStatus(ctx context.Context, provider, taskID string) (domain.Status, error) {
	val, err := c.client.Get(ctx, statusKey(provider, taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{Provider: provider, TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s/%s: %w", provider, taskID, err)
	}
	return domain.Status(val), nil
}

func (c *statusCache) SetTaskMeta(ctx context.Context, task *domain.GenerationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}
	err = c.client.Set(ctx, metaKey(task.Provider, task.ProviderTaskID), data, cacheTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set meta for %s/%s: %w", task.Provider, task.ProviderTaskID, err)
	}
	return nil
}

func (c *statusCache) GetTaskMeta(ctx context.Context, provider, taskID string) (*domain.GenerationTask, error) {
	data, err := c.client.Get(ctx, metaKey(provider, taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{Provider: provider, TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get meta for %s/%s: %w", provider, taskID, err)
	}
	var task domain.GenerationTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task meta: %w", err)
	}
	return &task, nil
}
