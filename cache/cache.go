// Package cache provides the TTL key/value store the optimizer uses for
// response memoization. Correctness depends only on TTL honoring and key
// uniqueness, so any backend satisfying Store can be plugged in.
package cache

import (
	"context"
	"time"
)

// Store is the cache collaborator contract.
type Store interface {
	// Get returns the cached value for key, or (nil, nil) on a miss.
	// Expired entries are misses.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl. Overwrites any existing entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
