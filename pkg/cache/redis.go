package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key iff it still holds the caller's token.
// Running server-side makes the compare-and-delete atomic.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the ttl iff the key still holds the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisCache implements Cache over a go-redis client.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache creates a cache over an existing Redis client. The caller
// owns the client's lifecycle.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value for key; the boolean is false when the key is absent.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get", key, err)
	}
	return val, true, nil
}

// Set writes a value with an optional expiry.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapErr("set", key, err)
	}
	return nil
}

// Delete removes a key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return wrapErr("delete", key, err)
	}
	return nil
}

// AcquireLock acquires the lock via a single SET NX.
func (c *RedisCache) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, wrapErr("acquire_lock", key, err)
	}
	return ok, nil
}

// ReleaseLock releases the lock iff the caller still owns it.
func (c *RedisCache) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, c.client, []string{key}, token).Int64()
	if err != nil {
		return false, wrapErr("release_lock", key, err)
	}
	return res == 1, nil
}

// ExtendLock refreshes the lock ttl iff the caller still owns it.
func (c *RedisCache) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, c.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrapErr("extend_lock", key, err)
	}
	return res == 1, nil
}

// Increment atomically increments the counter at key.
func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("increment", key, err)
	}
	return val, nil
}

// Expire sets a ttl on an existing key.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, wrapErr("expire", key, err)
	}
	return ok, nil
}
