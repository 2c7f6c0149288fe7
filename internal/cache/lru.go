// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package cache provides the in-process LRU used for best-effort
// deduplication, such as the search gate's per-user heat accounting.
// Durable dedup state lives in badger and Postgres; this cache only
// smooths out hot paths.
package cache

import (
	"sync"
	"time"
)

// lruEntry is one node of the intrusive list.
type lruEntry struct {
	key       string
	seenAt    time.Time
	prev      *lruEntry
	next      *lruEntry
	expiresAt time.Time
}

// LRUCache is a thread-safe LRU set with TTL. Lookups, inserts and
// eviction are O(1); expiry is lazy on access.
type LRUCache struct {
	mu sync.RWMutex

	capacity int
	ttl      time.Duration

	items map[string]*lruEntry

	// head.next is most recently used, tail.prev least.
	head *lruEntry
	tail *lruEntry

	hits   int64
	misses int64
}

// NewLRUCache creates a cache holding at most capacity keys, each
// valid for ttl.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// IsDuplicate reports whether key was seen within the TTL. A fresh
// key is recorded, so the first call per key answers false and
// subsequent calls answer true until expiry or eviction.
func (c *LRUCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.items[key]; ok {
		if !now.After(entry.expiresAt) {
			c.moveToFront(entry)
			c.hits++
			return true
		}
		c.removeEntry(entry)
	}

	c.insert(key, now)
	c.misses++
	return false
}

// Get returns when the key was first recorded, refreshing its
// recency.
func (c *LRUCache) Get(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		c.misses++
		return time.Time{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeEntry(entry)
		c.misses++
		return time.Time{}, false
	}

	c.moveToFront(entry)
	c.hits++
	return entry.seenAt, true
}

// Contains reports presence without touching recency.
func (c *LRUCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.items[key]
	return ok && !time.Now().After(entry.expiresAt)
}

// Remove evicts one key.
func (c *LRUCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeEntry(entry)
	return true
}

// Len returns the number of live entries, expired or not.
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns hit/miss counts and the current size.
func (c *LRUCache) Stats() (hits, misses int64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.items)
}

// insert assumes the lock is held and key is absent.
func (c *LRUCache) insert(key string, now time.Time) {
	entry := &lruEntry{
		key:       key,
		seenAt:    now,
		expiresAt: now.Add(c.ttl),
	}
	c.addToFront(entry)
	c.items[key] = entry

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

func (c *LRUCache) addToFront(entry *lruEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *LRUCache) moveToFront(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func (c *LRUCache) removeEntry(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}

func (c *LRUCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
}
