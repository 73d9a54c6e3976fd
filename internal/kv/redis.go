package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV backed by a Redis client, following the
// connect-and-ping-on-construct pattern the teacher uses for its
// RateLimiter (internal/worker/rate_limiter.go).
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps an existing *redis.Client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// NewRedisKVFromURL connects to Redis and verifies reachability before
// returning, so construction failures surface immediately at boot.
func NewRedisKVFromURL(ctx context.Context, redisURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisKV(client), nil
}

// Client exposes the underlying *redis.Client for RateLimiter's strict
// mode, which needs a Lua script's atomicity beyond what this narrow
// interface offers.
func (r *RedisKV) Client() *redis.Client { return r.client }

// SetWithTTL writes an absolute value with a TTL, used by RateLimiter
// to reseed a counter from its Store-side mirror after KV eviction.
// Not part of the KV interface itself (the RateLimiter degrades to a
// zero-reseed when its KV doesn't offer this), but real callers always
// use RedisKV in practice.
func (r *RedisKV) SetWithTTL(ctx context.Context, key string, value, ttl int64) error {
	if err := r.client.Set(ctx, key, value, secondsToDuration(ttl)).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) IncrWithTTL(ctx context.Context, key string, ttl int64) (int64, error) {
	newVal, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	if newVal == 1 {
		if err := r.client.Expire(ctx, key, secondsToDuration(ttl)).Err(); err != nil {
			return newVal, fmt.Errorf("kv expire %s: %w", key, err)
		}
	}
	return newVal, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Close() error { return r.client.Close() }

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
