package kvs

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with a Redis connection pool sized to the
// number of logical CPUs available, mirroring the connection-pool sizing
// used throughout this system's worker pools.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore parses redisURL (a redis:// or rediss:// connection
// string) and returns a Store backed by it. When the URL sets no pool
// size, the pool size is runtime.NumCPU(). The returned store's pool
// size cannot be changed afterwards; to use other client settings, pass
// an already-configured *redis.Client to NewRedisStoreFromClient.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvs: parsing redis URL: %w", err)
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = runtime.NumCPU()
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an already-constructed Redis client,
// useful in tests that want to point at a miniredis instance or for a
// client with custom pool settings. Only a single-node *redis.Client is
// accepted; a cluster client is not supported.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvs: redis get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kvs: redis set %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
