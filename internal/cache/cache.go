package cache

import "context"

// Package cache provides a small TTL cache used to keep last-known-good
// results from the knowledge store.
//
// Responsibilities:
//   - Store values under string keys with a per-entry lifetime
//   - Evict the oldest entry when the cache is full
//   - Invalidate keys by glob pattern
//   - Report hit/miss statistics
//
// Integration Points:
//   - Knowledge fallback: caches regulation and facility lookups so a
//     transient store outage can be served from the last good result

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Cache defines the interface for caching operations.
type Cache interface {
	// Get retrieves a cached value by key.
	// Returns: value, found (bool), error
	Get(ctx context.Context, key string) (interface{}, bool, error)

	// Set stores a value with given key and TTL.
	// ttlSeconds: time to live in seconds (0 = cache default)
	Set(ctx context.Context, key string, value interface{}, ttlSeconds int) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries from cache.
	Clear(ctx context.Context) error

	// Invalidate removes every key matching a glob pattern (e.g. "regulations:*").
	Invalidate(ctx context.Context, pattern string) error

	// GetStats returns cache statistics.
	GetStats(ctx context.Context) (Stats, error)

	// Has checks if key exists and is not expired.
	Has(ctx context.Context, key string) (bool, error)
}
