package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "vodforge:ratelimit"

// redisStore is a fixed-window counter shared by every API replica.
type redisStore struct {
	client redis.UniversalClient
	prefix string
}

func newRedisStore(client redis.UniversalClient, prefix string) *redisStore {
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if window < time.Second {
		window = time.Second
	}
	fullKey := fmt.Sprintf("%s:upload:%s", s.prefix, key)
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", fullKey, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", fullKey, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl %s: %w", fullKey, err)
	}
	if ttl < 0 {
		// The key lost its expiry; restore it so the window can close.
		if err := s.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", fullKey, err)
		}
		ttl = window
	}
	return false, ttl, nil
}
