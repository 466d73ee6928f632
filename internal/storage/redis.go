package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/product-ingest/pkg/utils"
)

const pageKeyPrefix = "page:"

// RedisPageCache keeps recently fetched pages with a TTL so repeated
// ingestion of the same URL skips the network.
type RedisPageCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPageCache(addr string, ttl time.Duration) *RedisPageCache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisPageCache{client: rdb, ttl: ttl}
}

func (c *RedisPageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPageCache) Close() error {
	return c.client.Close()
}

// generateKey hashes the URL into a fixed-length key.
func (c *RedisPageCache) generateKey(url string) string {
	return fmt.Sprintf("%s%s", pageKeyPrefix, utils.HashURL(url))
}

// Get returns the cached page for url. A miss is not an error.
func (c *RedisPageCache) Get(ctx context.Context, url string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.generateKey(url)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisPageCache) Set(ctx context.Context, url, html string) error {
	return c.client.SetEx(ctx, c.generateKey(url), html, c.ttl).Err()
}

// Forget drops the cached page for url.
func (c *RedisPageCache) Forget(ctx context.Context, url string) error {
	return c.client.Del(ctx, c.generateKey(url)).Err()
}
