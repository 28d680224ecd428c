package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter adapts a *redis.Client to the RedisClient interface
// RemoteStore depends on, translating redis.Nil into ErrRedisNil so callers
// never need to import go-redis directly.
type GoRedisAdapter struct {
	Client *redis.Client
}

func (a GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRedisNil
	}
	return v, err
}

func (a GoRedisAdapter) Set(ctx context.Context, key string, value string) error {
	return a.Client.Set(ctx, key, value, 0).Err()
}

func (a GoRedisAdapter) Del(ctx context.Context, key string) error {
	return a.Client.Del(ctx, key).Err()
}

var _ RedisClient = GoRedisAdapter{}

// NewGoRedisAdapterFromURL parses a redis:// connection string (the shape of
// CONDUCTOR_REDIS_URL) and wraps the resulting client in a GoRedisAdapter.
// The client connects lazily, so a malformed URL is the only failure mode
// here; a genuinely unreachable server surfaces as ErrStoreUnavailable on
// the first Load/Save/Delete call.
func NewGoRedisAdapterFromURL(rawURL string) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis url: %w", err)
	}
	return &GoRedisAdapter{Client: redis.NewClient(opts)}, nil
}
