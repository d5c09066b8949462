// Package cache provides the small expiring in-memory store the scanner uses
// for seen-content marks and author profile lookups.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	deadline time.Time
}

// Cache is a TTL map. Entries refresh their deadline on Set, never on Get.
// When maxEntries is exceeded the oldest entries are evicted.
type Cache[V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	items      map[string]entry[V]
}

// New builds a cache. maxEntries <= 0 means unbounded.
func New[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	return &Cache[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[string]entry[V]),
	}
}

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || time.Now().After(e.deadline) {
		var zero V
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

// Has reports whether key holds a live entry.
func (c *Cache[V]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key, refreshing its TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{value: value, deadline: time.Now().Add(c.ttl)}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range c.items {
		if now.After(e.deadline) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included until the
// next Purge.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) evictOldestLocked() {
	for len(c.items) > c.maxEntries {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, e := range c.items {
			if first || e.deadline.Before(oldest) {
				oldestKey, oldest = k, e.deadline
				first = false
			}
		}
		delete(c.items, oldestKey)
	}
}
