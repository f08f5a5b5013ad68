package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockTTL     = 30 * time.Second
	waitTimeout = 30 * time.Second
)

// releaseLockScript deletes the lock only if we still own it.
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// RedisCacher stores JSON-encoded entries under a key prefix in Redis, so
// several clients of one hub network can share answers. A SETNX lock per key
// stands in for singleflight across processes.
type RedisCacher[T any] struct {
	client *redis.Client
	prefix string
}

// NewRedisCacher creates a Redis-backed cacher.
//
// Parameters:
//   - client: Connected go-redis client
//   - prefix: Namespace prepended to every key, e.g. "chatbridge:survival:"
//
// Returns:
//   - A new RedisCacher
func NewRedisCacher[T any](client *redis.Client, prefix string) *RedisCacher[T] {
	return &RedisCacher[T]{client: client, prefix: prefix}
}

// GetOrFetch implements Cacher. On a miss the caller that wins the lock
// fetches; the others poll until the value appears or the lock disappears.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	fullKey := c.prefix + key

	if v, found, err := c.get(ctx, fullKey); err != nil || found {
		return v, err
	}

	lockKey := fullKey + ":lock"
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("acquire cache lock: %w", err)
	}

	if !acquired {
		return c.waitFor(ctx, fullKey, lockKey)
	}

	defer releaseLockScript.Run(context.Background(), c.client, []string{lockKey}, lockValue)

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, fullKey, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("store cache value: %w", err)
	}

	return result, nil
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete cache key: %w", err)
	}

	return nil
}

// Clear implements Cacher. Only keys under the prefix are removed.
func (c *RedisCacher[T]) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	return nil
}

func (c *RedisCacher[T]) get(ctx context.Context, fullKey string) (T, bool, error) {
	var zero T

	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}

	if err != nil {
		return zero, false, fmt.Errorf("redis get: %w", err)
	}

	var result T
	if err := json.Unmarshal(val, &result); err != nil {
		return zero, false, fmt.Errorf("unmarshal cached value: %w", err)
	}

	return result, true, nil
}

// waitFor polls with exponential backoff (10ms doubling to 500ms) while
// another process holds the fetch lock.
func (c *RedisCacher[T]) waitFor(ctx context.Context, fullKey, lockKey string) (T, error) {
	var zero T

	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(waitTimeout)

	for time.Now().Before(deadline) {
		if v, found, err := c.get(ctx, fullKey); err != nil || found {
			return v, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("check cache lock: %w", err)
		}

		if exists == 0 {
			if v, found, err := c.get(ctx, fullKey); err != nil || found {
				return v, err
			}

			return zero, errors.New("concurrent fetch failed")
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, 500*time.Millisecond)
	}

	return zero, errors.New("timeout waiting for cache")
}
