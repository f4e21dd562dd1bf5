package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis counts failed sign-in attempts per key in a fixed window.
type Redis struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
}

// NewRedisClient parses a redis:// url.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewRedis(client *redis.Client, maxAttempts int, window time.Duration) *Redis {
	return &Redis{client: client, prefix: "signin:fail:", max: int64(maxAttempts), window: window}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return n < r.max, nil
}

// Fail counts one failure; the window starts at the first failure.
func (r *Redis) Fail(ctx context.Context, key string) error {
	k := r.prefix + key
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		return r.client.Expire(ctx, k, r.window).Err()
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Ping is used by readiness.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
