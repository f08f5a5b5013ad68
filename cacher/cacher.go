// Package cacher caches the answers of slow host queries (remote console,
// stats provider) so that bursts of identical hub commands trigger a single
// lookup. Implementations exist for process memory and for a shared Redis.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads a value on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher stores values of type T by key with a per-entry TTL. Concurrent
// misses on the same key must result in a single fetch.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, caches
	// its result for ttl and returns it. Fetch errors are returned and
	// nothing is cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation; passed to fetchFn
	//   - key: Cache key
	//   - ttl: Lifetime of a freshly fetched value
	//   - fetchFn: Loader used on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the backend or fetchFn fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete drops key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear drops every entry owned by this cacher.
	Clear(ctx context.Context) error
}
