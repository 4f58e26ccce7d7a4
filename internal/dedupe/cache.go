// ABOUTME: Thread-safe TTL cache for deduplicating webhook deliveries
// ABOUTME: Fast-path guard in front of the store's unique wa_message_id key

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks WhatsApp message ids whose processing already completed, so
// redelivered webhook events can be skipped before touching the store. It is
// an optimization only: the store's unique index on wa_message_id remains the
// source of truth for idempotency. Callers must Mark an id only after the
// message is durably handled; marking at pipeline entry would drop the
// redelivery of a message whose first processing failed. Uses a doubly-linked
// list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

// New creates a dedupe cache with the specified TTL and maximum size.
// Expired entries are removed lazily on access.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Contains reports whether the message id was marked within the TTL. It does
// not mark the id.
func (c *Cache) Contains(waMessageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[waMessageID]
	return ok && time.Since(entry.timestamp) < c.ttl
}

// Mark records the message id as handled. Marking an already-present key
// refreshes its TTL.
func (c *Cache) Mark(waMessageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(waMessageID)
}

// markLocked records a key. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// Len returns the number of tracked keys, expired entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
