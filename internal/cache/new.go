package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a Redis-backed cache.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// New builds a Cache from a backend name ("memory" or "redis"). For
// redis it pings the server once so callers fail fast at startup
// rather than on the first enrichment lookup.
func New(backend string, opts RedisOptions) (Cache, error) {
	switch backend {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis cache: %w", err)
		}
		return NewRedisCache(client, opts.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
