package resilience

import (
	"context"
	"time"
)

// SharedCounterStore is the shared external state behind rate limiting and
// idempotency. Implementations must make each method atomic on its own.
type SharedCounterStore interface {
	// IncrementAndGetTTL adds one to key and returns the new count and the
	// remaining TTL. A negative TTL means the key has no expiry yet.
	IncrementAndGetTTL(ctx context.Context, key string) (int64, time.Duration, error)
	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SetIfAbsent stores value only when key is missing or expired.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns the live value of key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set overwrites key with value and ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
}
