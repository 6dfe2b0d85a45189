// Package redis implements the exact tool cache on Redis, the backend
// to pick when several nodes should share cache state. TTLs map to
// native Redis expirations, so there is nothing to sweep.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nevindra/loom"
)

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix namespaces all keys, for deployments sharing one Redis
// database.
func WithPrefix(p string) Option {
	return func(c *Cache) { c.prefix = p }
}

// Cache implements loom.ExactCache on a Redis client. The client is
// owned by the caller and shared with whatever else needs it.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

var _ loom.ExactCache = (*Cache)(nil)

// New creates a Cache around an existing client.
func New(rdb *redis.Client, opts ...Option) *Cache {
	c := &Cache{rdb: rdb, prefix: "loom:cache:"}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) key(k string) string { return c.prefix + k }

// Get returns the value stored under key. A missing or expired key is
// (nil, false, nil).
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get: %w", err)
	}
	return val, true, nil
}

// Set stores value under key. ttl <= 0 stores without expiration.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}
