package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTokenStore keeps token digests in Redis with a native per-key expiry.
type RedisTokenStore struct {
	client redis.UniversalClient
}

// NewRedisTokenStore wraps an existing client. The caller owns the client.
func NewRedisTokenStore(client redis.UniversalClient) (*RedisTokenStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisTokenStore{client: client}, nil
}

// Set stores userID under key with SET ... EX.
func (s *RedisTokenStore) Set(ctx context.Context, key, userID string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, key, userID, ttl).Err(); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// Get returns the user stored under key. A missing key is not an error.
func (s *RedisTokenStore) Get(ctx context.Context, key string) (string, bool, error) {
	userID, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load token: %w", err)
	}
	return userID, true, nil
}

// Delete removes key and reports whether it existed.
func (s *RedisTokenStore) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete token: %w", err)
	}
	return removed > 0, nil
}

// Ping verifies Redis is reachable.
func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
