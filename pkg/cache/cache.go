// Package cache provides typed key-value operations over Redis, including
// the atomic lock primitives the pipeline's single-writer protocol rides on.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the KV contract consumed by the state store. All operations fail
// with a *CacheError wrapping the underlying transport error.
//
// Lock operations are atomic against arbitrary concurrent callers from other
// processes: acquire is a single SET NX, release and extend are server-side
// compare scripts. Implementations must never combine a separate get and set.
type Cache interface {
	// Get returns the value for key. The boolean is false when the key does
	// not exist.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes a value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// AcquireLock atomically writes token under key with ttl iff no value
	// exists. Returns true when the lock was acquired.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// ReleaseLock atomically deletes key iff its current value equals token.
	// Returns false (and does nothing) on token mismatch or missing key.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)

	// ExtendLock atomically resets the ttl iff the current value equals
	// token. Returns false on token mismatch or missing key.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Increment atomically increments the integer at key, creating it at 0,
	// and returns the post-increment value.
	Increment(ctx context.Context, key string) (int64, error)

	// Expire sets a ttl on an existing key. Returns false if the key does
	// not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// CacheError wraps a transport failure with the operation and key that
// provoked it.
type CacheError struct {
	Op  string
	Key string
	Err error
}

// Error returns the formatted error message.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *CacheError) Unwrap() error {
	return e.Err
}

func wrapErr(op, key string, err error) error {
	return &CacheError{Op: op, Key: key, Err: err}
}
