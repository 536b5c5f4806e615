// Package cache holds derived, disposable state in Redis: rate limit
// counters and cached course listings. Nothing here is consulted for
// authentication or authorization.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/eduwallet/services/partners/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrCacheMiss is returned by Get when the key is absent or caching is off
var ErrCacheMiss = errors.New("cache miss")

// RedisCache provides caching using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
	now     func() time.Time
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{client: client, enabled: true, now: time.Now}, nil
}

// Disabled returns a cache that never stores anything and never limits
func Disabled() *RedisCache {
	return &RedisCache{enabled: false, now: time.Now}
}

// Enabled reports whether a Redis connection is in use
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.Enabled() {
		return ErrCacheMiss
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}
	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Delete removes keys from the cache
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if !c.Enabled() || len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete keys from Redis")
	}
	return nil
}

// Allow counts one request against the partner's fixed one-minute window and
// reports whether it is within limit. A non-positive limit means unlimited.
// Redis failures fail open.
func (c *RedisCache) Allow(ctx context.Context, partnerID uuid.UUID, limit int) bool {
	if !c.Enabled() || limit <= 0 {
		return true
	}

	key := RateLimitKey(partnerID, c.now())
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("partner_id", partnerID.String()).Msg("Rate limiter unavailable, allowing request")
		return true
	}
	return incr.Val() <= int64(limit)
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// CourseListKey is the cache key of a partner's course listing
func CourseListKey(partnerID uuid.UUID) string {
	return fmt.Sprintf("partner:%s:courses", partnerID.String())
}

// RateLimitKey is the counter key for the minute containing t
func RateLimitKey(partnerID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", partnerID.String(), t.Unix()/60)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
