package propagate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares views between server instances through Redis.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisCache) { c.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL sets how long a view survives without a refresh.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(c *RedisCache) { c.ttl = d }
}

// NewRedisCache wraps a Redis client.
func NewRedisCache(rdb *redis.Client, opts ...RedisOption) *RedisCache {
	c := &RedisCache{
		rdb:    rdb,
		prefix: "slotclaims:view",
		ttl:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RedisCache) Get(ctx context.Context, key string) (*View, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var v View
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("decoding view %s: %w", key, err)
	}
	return &v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, view *View) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encoding view %s: %w", view.Key, err)
	}
	if err := c.rdb.Set(ctx, c.key(view.Key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", view.Key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
