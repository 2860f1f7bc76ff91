// ABOUTME: Thread-safe TTL index mapping idempotency keys to execution ids.
// ABOUTME: Lets retried submissions return the original execution instead of admitting twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores one key's binding plus its position in eviction order.
type cacheEntry struct {
	executionID string
	timestamp   time.Time
	element     *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited index from idempotency key
// to execution id. A doubly-linked list maintains insertion order for O(1)
// eviction of the oldest binding.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

const (
	defaultTTL     = 5 * time.Minute
	defaultMaxSize = 1024
)

// New creates an idempotency cache with the given TTL and maximum size. Zero
// values fall back to the defaults above. A background goroutine periodically
// removes expired bindings.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Resolve returns the execution id bound to a key, if present and unexpired.
func (c *Cache) Resolve(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.executionID, true
}

// BindIfAbsent atomically resolves a key or binds it to executionID. It
// returns the winning execution id and whether the key was already bound, so
// concurrent retries with the same key cannot both be admitted.
func (c *Cache) BindIfAbsent(key, executionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return entry.executionID, true
	}

	c.bindLocked(key, executionID)
	return executionID, false
}

// Bind records a key's execution id unconditionally. If the cache is at
// capacity, the oldest binding is evicted to make room.
func (c *Cache) Bind(key, executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindLocked(key, executionID)
}

// bindLocked is the internal bind implementation. Must be called with mu held.
func (c *Cache) bindLocked(key, executionID string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.executionID = executionID
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		executionID: executionID,
		timestamp:   now,
		element:     elem,
	}
}

// evictOldest removes the oldest binding. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired
// bindings.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired bindings from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
