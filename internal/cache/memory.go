package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

const defaultMaxEntries = 1024

type entry struct {
	value     interface{}
	storedAt  time.Time
	expiresAt time.Time
}

// memoryCache is an in-process Cache.
type memoryCache struct {
	mu         sync.Mutex
	entries    map[string]entry
	defaultTTL time.Duration
	maxEntries int
	hits       int64
	misses     int64
	now        func() time.Time
}

// NewCache creates an in-memory cache whose entries live for defaultTTL
// unless Set is given an explicit lifetime.
func NewCache(defaultTTL time.Duration, maxEntries int) Cache {
	return newMemoryCache(defaultTTL, maxEntries, time.Now)
}

func newMemoryCache(defaultTTL time.Duration, maxEntries int, now func() time.Time) *memoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &memoryCache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		now:        now,
	}
}

func (c *memoryCache) Get(ctx context.Context, key string) (interface{}, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false, nil
	}
	c.hits++
	return e.value, true, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	if ttlSeconds < 0 {
		return fmt.Errorf("cache: negative ttl %d for key %q", ttlSeconds, key)
	}
	ttl := c.defaultTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = entry{value: value, storedAt: now, expiresAt: now.Add(ttl)}
	return nil
}

// evictOldest drops the entry stored longest ago. Caller holds mu.
func (c *memoryCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	return nil
}

// Invalidate drops every key matching pattern. Matching follows Redis
// glob rules so both backends agree: '*' spans any run of characters,
// '/' included.
func (c *memoryCache) Invalidate(ctx context.Context, pattern string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("cache: bad pattern %q: %w", pattern, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if g.Match(k) {
			delete(c.entries, k)
		}
	}
	return nil
}

func (c *memoryCache) GetStats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}, nil
}

func (c *memoryCache) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && c.now().Before(e.expiresAt), nil
}
