package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBacking stores each namespace as a redis hash of key to JSON document.
type RedisBacking struct {
	client redis.Cmdable
}

func NewRedisBacking(client redis.Cmdable) *RedisBacking {
	return &RedisBacking{client: client}
}

// NewRedisClient parses a redis:// URL and verifies connectivity before
// returning the client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url cannot be empty")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func (r *RedisBacking) Load(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	fields, err := r.client.HGetAll(ctx, namespace).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", namespace, err)
	}

	items := make(map[string]json.RawMessage, len(fields))
	for key, value := range fields {
		items[key] = json.RawMessage(value)
	}
	return items, nil
}

func (r *RedisBacking) Save(ctx context.Context, namespace string, items map[string]json.RawMessage) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, namespace)
		if len(items) == 0 {
			return nil
		}
		fields := make(map[string]any, len(items))
		for key, value := range items {
			fields[key] = string(value)
		}
		pipe.HSet(ctx, namespace, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", namespace, err)
	}
	return nil
}
