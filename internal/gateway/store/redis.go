package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the store with a shared Redis instance so rate and nonce
// history survive across gateway processes. Expiry is delegated to Redis
// TTLs; no sweeper is needed.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client. The caller owns connectivity checks.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) PutNonce(ctx context.Context, identity, nonce string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("tidegate:nonce:%s:%s", identity, nonce)
	ok, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return ok, nil
}

func (r *Redis) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, "tidegate:"+key)
	pipe.ExpireNX(ctx, "tidegate:"+key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return incr.Val(), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
