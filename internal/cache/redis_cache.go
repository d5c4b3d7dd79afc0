package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "pimutpos:mpesa:token:"

type RedisTokenCache struct {
	client *redis.Client
}

func NewRedisTokenCache(addr string, password string, db int) *RedisTokenCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTokenCache{client: client}
}

// NewRedisTokenCacheWithClient wraps an existing client.
func NewRedisTokenCacheWithClient(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

func (c *RedisTokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTokenCache) Close() error {
	return c.client.Close()
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key string, token string, ttl time.Duration) error {
	if token == "" || ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, keyPrefix+key, token, ttl).Err()
}
