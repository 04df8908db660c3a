package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "llmchat:"

// Redis stores values as plain Redis strings without expiry.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Store backed by client. Keys are namespaced with prefix
// (default "llmchat:").
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) key(k string) string { return s.prefix + k }

// Get implements Store.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

// Set implements Store.
func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

// Remove implements Store.
func (s *Redis) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
