// Package cache provides the Redis-backed State Cache (C3): a fast,
// eventually-consistent mirror of job status used to serve read-API
// requests without hitting Postgres on every poll, and the Pub/Sub bus
// that fans progress events out across worker/API processes (C5).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kenji11/adforge/internal/platform/logger"
)

type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	Delete(ctx context.Context, key string) error
}

type redisCache struct {
	rdb *goredis.Client
}

func NewRedisCache(log *logger.Logger, addr string) (Cache, *goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &redisCache{rdb: rdb}, rdb, nil
}

func (c *redisCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %q: %w", key, err)
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

func (c *redisCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("cache: unmarshal %q: %w", key, err)
	}
	return true, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func JobStatusKey(jobID string) string { return "job:" + jobID + ":status" }
