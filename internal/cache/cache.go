// Package cache provides a thread-safe TTL + LRU memoization cache.
//
// The engine uses it to memoize query embeddings, rerank scores, and full
// retrieval results. Two concurrent identical misses may both perform the
// underlying work; the second Set simply replaces the first. Duplicate work
// is acceptable, duplicate corruption is not.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Operation kinds memoized by the engine.
const (
	KindEmbed    = "embed"
	KindRerank   = "rerank"
	KindRetrieve = "retrieve"
)

// Key identifies a cached value by operation kind and canonical input hash.
type Key struct {
	Kind string
	Hash string
}

// NewKey canonicalizes the input parts into a key. Parts are length-prefix
// separated before hashing so ("ab","c") and ("a","bc") never collide.
func NewKey(kind string, parts ...string) Key {
	h := sha256.New()
	for _, p := range parts {
		var lenBuf [8]byte
		n := len(p)
		for i := 7; i >= 0; i-- {
			lenBuf[i] = byte(n)
			n >>= 8
		}
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return Key{Kind: kind, Hash: hex.EncodeToString(h.Sum(nil))}
}

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// entry is a cached value with expiry and LRU bookkeeping.
type entry struct {
	value        any
	insertedAt   time.Time
	expiresAt    time.Time
	lastAccessed time.Time
}

// Config holds cache parameters.
type Config struct {
	// TTL is the time-to-live for entries.
	// Default: 1 hour
	TTL time.Duration

	// MaxEntries is the capacity before LRU eviction.
	// Default: 1024
	MaxEntries int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 1024
	}
}

// Cache is a thread-safe in-memory cache with TTL expiry and LRU eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	ttl     time.Duration
	max     int

	hits   uint64
	misses uint64
}

// New creates a cache from config.
func New(config Config) *Cache {
	config.ApplyDefaults()
	return &Cache{
		entries: make(map[Key]*entry),
		ttl:     config.TTL,
		max:     config.MaxEntries,
	}
}

// Get returns the cached value for key, if present and unexpired.
// Expired entries are removed on access.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if timeNow().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	e.lastAccessed = timeNow()
	c.hits++
	return e.value, true
}

// Set stores value under key, replacing any existing entry. At capacity the
// least recently used entry is evicted first.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.evictLRU()
	}

	now := timeNow()
	c.entries[key] = &entry{
		value:        value,
		insertedAt:   now,
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
}

// Delete removes key. No-op if absent.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries and resets hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
	c.hits = 0
	c.misses = 0
}

// Sweep removes all expired entries and returns how many were dropped.
// The engine calls this from its periodic maintenance pass.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats reports hit/miss counters and the current entry count.
func (c *Cache) Stats() (hits, misses uint64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

// HitRate returns hits / (hits + misses), or 0 when no lookups happened.
func (c *Cache) HitRate() float64 {
	hits, misses, _ := c.Stats()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// evictLRU removes the least recently used entry. Caller holds the write lock.
func (c *Cache) evictLRU() {
	var oldestKey Key
	var oldestTime time.Time
	first := true
	for key, e := range c.entries {
		if first || e.lastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastAccessed
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
