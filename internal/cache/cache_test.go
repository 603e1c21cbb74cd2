package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withClock replaces the cache clock for the duration of a test.
func withClock(t *testing.T, now *time.Time) {
	t.Helper()
	orig := timeNow
	timeNow = func() time.Time { return *now }
	t.Cleanup(func() { timeNow = orig })
}

func TestNewKey_Deterministic(t *testing.T) {
	a := NewKey(KindRetrieve, "query", "general")
	b := NewKey(KindRetrieve, "query", "general")
	assert.Equal(t, a, b)
}

func TestNewKey_NoBoundaryCollision(t *testing.T) {
	a := NewKey(KindEmbed, "ab", "c")
	b := NewKey(KindEmbed, "a", "bc")
	assert.NotEqual(t, a, b)
}

func TestNewKey_KindSeparatesNamespaces(t *testing.T) {
	a := NewKey(KindEmbed, "query")
	b := NewKey(KindRetrieve, "query")
	assert.NotEqual(t, a, b)
}

func TestGetSet(t *testing.T) {
	c := New(Config{})

	key := NewKey(KindEmbed, "hello")
	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, []float32{1, 2, 3})
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, got)
}

func TestGet_ExpiredEntryRemoved(t *testing.T) {
	now := time.Now()
	withClock(t, &now)

	c := New(Config{TTL: time.Minute})
	key := NewKey(KindRetrieve, "q")
	c.Set(key, "value")

	now = now.Add(61 * time.Second)
	_, ok := c.Get(key)
	assert.False(t, ok)

	_, _, size := c.Stats()
	assert.Zero(t, size)
}

func TestSweep(t *testing.T) {
	now := time.Now()
	withClock(t, &now)

	c := New(Config{TTL: time.Minute})
	c.Set(NewKey(KindEmbed, "old"), 1)

	now = now.Add(30 * time.Second)
	c.Set(NewKey(KindEmbed, "fresh"), 2)

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, c.Sweep())

	_, ok := c.Get(NewKey(KindEmbed, "fresh"))
	assert.True(t, ok)
}

func TestLRUEviction(t *testing.T) {
	now := time.Now()
	withClock(t, &now)

	c := New(Config{MaxEntries: 3})
	for i := 0; i < 3; i++ {
		c.Set(NewKey(KindEmbed, fmt.Sprintf("k%d", i)), i)
		now = now.Add(time.Second)
	}

	// Touch k0 so k1 becomes least recently used.
	_, ok := c.Get(NewKey(KindEmbed, "k0"))
	require.True(t, ok)
	now = now.Add(time.Second)

	c.Set(NewKey(KindEmbed, "k3"), 3)

	_, ok = c.Get(NewKey(KindEmbed, "k1"))
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, k := range []string{"k0", "k2", "k3"} {
		_, ok := c.Get(NewKey(KindEmbed, k))
		assert.True(t, ok, "%s should survive", k)
	}
}

func TestSet_ReplaceDoesNotEvict(t *testing.T) {
	c := New(Config{MaxEntries: 2})
	c.Set(NewKey(KindEmbed, "a"), 1)
	c.Set(NewKey(KindEmbed, "b"), 2)

	// Replacing an existing key at capacity must not evict anything.
	c.Set(NewKey(KindEmbed, "a"), 10)

	_, _, size := c.Stats()
	assert.Equal(t, 2, size)
	got, ok := c.Get(NewKey(KindEmbed, "a"))
	require.True(t, ok)
	assert.Equal(t, 10, got)
}

func TestStatsAndHitRate(t *testing.T) {
	c := New(Config{})
	key := NewKey(KindRetrieve, "q")

	c.Get(key) // miss
	c.Set(key, "v")
	c.Get(key) // hit
	c.Get(key) // hit

	hits, misses, size := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, 1, size)
	assert.InDelta(t, 2.0/3.0, c.HitRate(), 1e-9)

	c.Clear()
	hits, misses, size = c.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
	assert.Zero(t, size)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Config{MaxEntries: 64})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := NewKey(KindEmbed, fmt.Sprintf("k%d", j%8))
				c.Set(key, n)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	_, _, size := c.Stats()
	assert.LessOrEqual(t, size, 64)
}
