// Package cache provides a size-bounded TTL cache used by the server to
// memoize pipeline runs: a full ensemble calibration is expensive, and
// repeated report requests over unchanged data should not recompute it.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUWithTTL is a thread-safe LRU cache whose entries also expire after a
// fixed duration. A ttl of 0 disables expiration.
type LRUWithTTL[K comparable, V any] struct {
	cache *lru.Cache[K, *ttlEntry[V]]
	ttl   time.Duration

	mu     sync.Mutex
	hits   uint64
	misses uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLRUWithTTL creates a cache holding at most size entries.
func NewLRUWithTTL[K comparable, V any](size int, ttl time.Duration) (*LRUWithTTL[K, V], error) {
	inner, err := lru.New[K, *ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRUWithTTL[K, V]{cache: inner, ttl: ttl}, nil
}

// Get returns the cached value, or false if absent or expired.
func (c *LRUWithTTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.cache.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.cache.Remove(key)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *LRUWithTTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(key, &ttlEntry[V]{value: value, expiresAt: expiresAt})
}

// Delete removes a key.
func (c *LRUWithTTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Len reports the number of live entries, expired ones included.
func (c *LRUWithTTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Clear drops every entry.
func (c *LRUWithTTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats summarizes hit/miss counters for the metrics endpoint.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

func (c *LRUWithTTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Hits: c.hits, Misses: c.misses, Size: c.cache.Len()}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
