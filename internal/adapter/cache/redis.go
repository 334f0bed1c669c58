package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/observability/telemetry"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

var _ ports.Cache = (*RedisCache)(nil)

const redisPingTimeout = 5 * time.Second

// RedisCache shares authorization decisions between the charge points of a
// site. Keys are namespaced with prefix so several sites can share a server.
type RedisCache struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedisCache(url, prefix string, log *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	c := &RedisCache{client: redis.NewClient(opts), prefix: prefix, log: log}
	if err := c.Ping(); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Info("Redis authorization cache ready",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("prefix", prefix),
	)
	return c, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		telemetry.AuthCacheLookupsTotal.WithLabelValues("redis", "miss").Inc()
		return "", ports.ErrCacheMiss
	case err != nil:
		telemetry.AuthCacheLookupsTotal.WithLabelValues("redis", "error").Inc()
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	telemetry.AuthCacheLookupsTotal.WithLabelValues("redis", "hit").Inc()
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, encoded, expiration).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *RedisCache) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
