package providers

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned by CacheProvider.Get when the key does not exist
var ErrCacheMiss = errors.New("cache miss")

// CacheProvider defines the interface for caching operations
type CacheProvider interface {
	// Get retrieves a value from cache, returning ErrCacheMiss when absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration
	Set(ctx context.Context, key string, value []byte, expirationSeconds int) error

	// Delete removes a value from cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in cache
	Exists(ctx context.Context, key string) (bool, error)

	// DeletePattern removes every key matching a glob pattern and returns how many were removed
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// CountPattern counts keys matching a glob pattern
	CountPattern(ctx context.Context, pattern string) (int, error)

	// MemoryUsage reports the store's memory footprint in human readable form
	MemoryUsage(ctx context.Context) (string, error)
}
