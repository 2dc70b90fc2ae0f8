package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by a shared Redis instance, for
// deployments where more than one mimosad process needs to agree on
// enrichment/resolution results. Every key is namespaced by prefix so
// one Redis instance can host more than one Mimosa install.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing client. Ping is the caller's
// responsibility (internal/cache's constructor helper does it) so this
// type stays trivially mockable against miniredis in tests.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + k
}

func (c *RedisCache) Get(key string, dst any) (bool, error) {
	val, err := c.client.Get(context.Background(), c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dst); err != nil {
		_ = c.client.Del(context.Background(), c.key(key)).Err()
		return false, nil
	}
	return true, nil
}

func (c *RedisCache) Set(key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(context.Background(), c.key(key), b, ttl).Err()
}
