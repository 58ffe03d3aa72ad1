package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyKeyTTL = 24 * time.Hour

// RedisAdapter holds idempotency keys for cart adds. It never caches stock or
// cart content; MySQL is the only source of truth for those.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, ttl: idempotencyKeyTTL}
}

// SetIdempotency claims key and reports whether this caller is the first.
func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

// ReleaseIdempotency drops a claimed key so the request can be retried.
func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
