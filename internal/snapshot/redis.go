package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/storysync/internal/stories"
	"github.com/redis/go-redis/v9"
)

const (
	redisSnapshotKey      = "storysync:snapshot"
	redisOperationTimeout = 5 * time.Second
)

type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects lazily: a down server surfaces on the first Load
// or Save, not here.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBackendWithClient(redis.NewClient(opts)), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, key: redisSnapshotKey}
}

func (b *RedisBackend) Load() (*stories.Hash, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	payload, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decode(payload)
}

func (b *RedisBackend) Save(hash *stories.Hash) error {
	if hash == nil {
		return nil
	}
	payload, err := encode(hash)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := b.client.Set(ctx, b.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
