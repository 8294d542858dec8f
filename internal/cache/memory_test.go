package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestMemoryCache_SetGetExpire(t *testing.T) {
	clk := newClock()
	c := newMemoryCache(time.Minute, 10, clk.Now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Advance(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)

	stats, _ := c.GetStats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Entries)
}

func TestMemoryCache_ExplicitTTL(t *testing.T) {
	clk := newClock()
	c := newMemoryCache(time.Minute, 10, clk.Now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "long", 1, 600))
	clk.Advance(5 * time.Minute)
	ok, _ := c.Has(ctx, "long")
	assert.True(t, ok)

	assert.Error(t, c.Set(ctx, "bad", 1, -1))
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	clk := newClock()
	c := newMemoryCache(time.Hour, 2, clk.Now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, 0))
	clk.Advance(time.Second)
	require.NoError(t, c.Set(ctx, "b", 2, 0))
	clk.Advance(time.Second)
	require.NoError(t, c.Set(ctx, "c", 3, 0))

	okA, _ := c.Has(ctx, "a")
	okC, _ := c.Has(ctx, "c")
	assert.False(t, okA)
	assert.True(t, okC)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	c := NewCache(time.Hour, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "regulations:all", 1, 0))
	require.NoError(t, c.Set(ctx, "regulations:since", 2, 0))
	require.NoError(t, c.Set(ctx, "facilities:all", 3, 0))

	require.NoError(t, c.Invalidate(ctx, "regulations:*"))
	stats, _ := c.GetStats(ctx)
	assert.Equal(t, 1, stats.Entries)

	assert.Error(t, c.Invalidate(ctx, "[bad"))
}

func TestMemoryCache_InvalidateSpansSlashes(t *testing.T) {
	c := NewCache(time.Hour, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "regulations:epa/40-cfr-60", 1, 0))
	require.NoError(t, c.Set(ctx, "regulations:|us/ca|false", 2, 0))
	require.NoError(t, c.Set(ctx, "facilities:site/a", 3, 0))

	require.NoError(t, c.Invalidate(ctx, "regulations:*"))
	okA, _ := c.Has(ctx, "regulations:epa/40-cfr-60")
	okB, _ := c.Has(ctx, "regulations:|us/ca|false")
	okC, _ := c.Has(ctx, "facilities:site/a")
	assert.False(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}
