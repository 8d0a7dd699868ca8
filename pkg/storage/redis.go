// pkg/storage/redis.go
package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	cli *redis.Client
}

// NewRedis wraps a Redis client as a Store.
func NewRedis(cli *redis.Client) Store {
	return &redisStore{cli: cli}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.cli.Set(ctx, key, value, 0).Err()
}

func (s *redisStore) Del(ctx context.Context, key string) error {
	return s.cli.Del(ctx, key).Err()
}
