package kv

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// Redis stores entries as plain redis strings without expiry.
type Redis struct {
	client *redis.Client
}

var _ Storage = (*Redis)(nil)

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", notFound(key)
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Client returns the underlying client, for components that share the
// connection (such as pub/sub change notification).
func (r *Redis) Client() *redis.Client {
	return r.client
}
