package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/transit-lab/farecast/internal/series"
)

// RedisStore keeps each series as a JSON blob under a prefixed key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, prefix: "farecast:series:"}, nil
}

func (r *RedisStore) Load(ctx context.Context, key string) (series.WeeklySeries, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var ws series.WeeklySeries
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("redis unmarshal %q: %w", key, err)
	}
	return ws, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, ws series.WeeklySeries) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("redis marshal %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
