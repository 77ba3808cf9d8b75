/*
 * Copyright 2025 ESSL Cloud Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package dedupe provides an in-memory TTL cache over attendance
// fingerprints. It is a fast pre-filter in front of the durable
// fingerprint index in the queue: most overlap duplicates are caught
// here without touching the database. It is advisory only; the queue's
// transactional index is what makes deduplication exact.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, size-limited, TTL-based fingerprint cache.
// Insertion order is kept in a doubly-linked list for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache holding at most maxSize fingerprints for ttl. A
// background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}

	go c.sweep()

	return c
}

// Seen returns true if the fingerprint is cached and not expired.
func (c *Cache) Seen(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[fingerprint]
	if !ok {
		return false
	}

	return time.Since(entry.seenAt) < c.ttl
}

// Mark records a fingerprint, evicting the oldest entry at capacity.
func (c *Cache) Mark(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, exists := c.seen[fingerprint]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)

		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[fingerprint] = &cacheEntry{
		seenAt:  now,
		element: c.order.PushBack(fingerprint),
	}
}

// Len returns the number of cached fingerprints, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.seen)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	for key, entry := range c.seen {
		if now.Sub(entry.seenAt) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
