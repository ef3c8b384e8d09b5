package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFactory shares limits across the cluster using fixed windows: one
// counter per name, scope and window, expired after the window.
type RedisFactory struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedisFactory(client *redis.Client) *RedisFactory {
	return &RedisFactory{client: client, clock: time.Now}
}

func (f *RedisFactory) Limiter(name string, scope Scope, r Rate) Limiter {
	return &redisLimiter{client: f.client, name: name, scope: scope, rate: r, clock: f.clock}
}

type redisLimiter struct {
	client *redis.Client
	name   string
	scope  Scope
	rate   Rate
	clock  func() time.Time
}

func (l *redisLimiter) Acquire(ctx context.Context) (bool, error) {
	key := buildKey(l.name, l.scope, l.clock(), l.rate.Per)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.rate.Per)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis pipeline: %w", err)
	}
	return incr.Val() <= int64(l.rate.Amount), nil
}

func buildKey(name string, scope Scope, t time.Time, window time.Duration) string {
	bucket := t.UTC().UnixNano() / int64(window)
	return fmt.Sprintf("rl:%s:c:%d:u:%d:%d", name, scope.ContextID, scope.UserID, bucket)
}
