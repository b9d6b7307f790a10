// Package cache is the fast-path, best-effort cache layer. It is never the
// source of truth: callers must treat every miss (including an unconfigured
// or unreachable Redis) as a signal to read the durable store.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 3 * time.Second

// Cache wraps a Redis client. A Cache with no client is valid and behaves
// as a permanent miss, so the rest of the system runs without Redis.
type Cache struct {
	client *redis.Client
}

// New builds a Cache. An empty addr returns a disabled Cache.
func New(addr, password string) *Cache {
	if addr == "" {
		return &Cache{}
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Get returns the raw value and whether the key was present. A disabled
// cache always misses.
func (c *Cache) Get(key string) (string, bool, error) {
	if !c.Enabled() {
		return "", false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes a value with the given TTL, overwriting any prior value.
// A non-positive TTL falls back to DefaultTTL.
func (c *Cache) Set(key, value string, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.client.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Ping checks connectivity. A disabled cache reports ErrDisabled.
func (c *Cache) Ping() error {
	if !c.Enabled() {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
