package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotPrefix = "snapshot:"

// Compile-time check to ensure RedisStore implements SnapshotStore
var _ SnapshotStore = (*RedisStore)(nil)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) SetSnapshot(ctx context.Context, topicID int64, payload []byte) error {
	key := fmt.Sprintf("%s%d", snapshotPrefix, topicID)
	if err := r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot for topic %d: %w", topicID, err)
	}
	return nil
}

func (r *RedisStore) GetSnapshot(ctx context.Context, topicID int64) ([]byte, error) {
	key := fmt.Sprintf("%s%d", snapshotPrefix, topicID)
	payload, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot for topic %d: %w", topicID, err)
	}
	return payload, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
