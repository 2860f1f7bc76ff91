// ABOUTME: Tests for the idempotency key cache.
// ABOUTME: Validates TTL expiration, size limits, eviction order, atomic binding, concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Resolve_Unbound(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Resolve("never-bound-key")
	assert.False(t, ok)
}

func TestCache_Resolve_Bound(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Bind("my-key", "exec-1")

	execID, ok := cache.Resolve("my-key")
	assert.True(t, ok)
	assert.Equal(t, "exec-1", execID)
}

func TestCache_Resolve_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Bind("expiring-key", "exec-1")
	_, ok := cache.Resolve("expiring-key")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Resolve("expiring-key")
	assert.False(t, ok, "binding should expire after TTL")
}

func TestCache_Bind_RefreshesTimestamp(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Bind("refresh-key", "exec-1")
	time.Sleep(30 * time.Millisecond)
	cache.Bind("refresh-key", "exec-1")
	time.Sleep(30 * time.Millisecond)

	// Still present because the rebind refreshed it past the original TTL.
	_, ok := cache.Resolve("refresh-key")
	assert.True(t, ok)
}

func TestCache_BindIfAbsent_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	execID, existed := cache.BindIfAbsent("new-key", "exec-1")
	assert.False(t, existed)
	assert.Equal(t, "exec-1", execID)

	got, ok := cache.Resolve("new-key")
	assert.True(t, ok)
	assert.Equal(t, "exec-1", got)
}

func TestCache_BindIfAbsent_ExistingKeyKeepsOriginal(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Bind("existing-key", "exec-original")

	execID, existed := cache.BindIfAbsent("existing-key", "exec-retry")
	assert.True(t, existed)
	assert.Equal(t, "exec-original", execID, "retry must resolve to the original execution")
}

func TestCache_BindIfAbsent_ExpiredRebinds(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Bind("key", "exec-old")
	time.Sleep(20 * time.Millisecond)

	execID, existed := cache.BindIfAbsent("key", "exec-new")
	assert.False(t, existed, "expired binding should not count as seen")
	assert.Equal(t, "exec-new", execID)
}

func TestCache_BindIfAbsent_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var mu sync.Mutex
	winners := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	// Concurrent retries with the same key; exactly one binding may win and
	// everyone must resolve to it.
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			execID, _ := cache.BindIfAbsent("contested-key", fmt.Sprintf("exec-%d", id))
			mu.Lock()
			winners[execID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, winners, 1, "all racers must agree on one execution id")
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Bind("first", "e1")
	cache.Bind("second", "e2")
	cache.Bind("third", "e3")

	// Fourth binding evicts the oldest.
	cache.Bind("fourth", "e4")
	_, ok := cache.Resolve("first")
	assert.False(t, ok, "oldest binding should be evicted")

	for _, key := range []string{"second", "third", "fourth"} {
		_, ok := cache.Resolve(key)
		assert.True(t, ok)
	}

	cache.Bind("fifth", "e5")
	_, ok = cache.Resolve("second")
	assert.False(t, ok)
}

func TestCache_Cleanup(t *testing.T) {
	// The cleanup goroutine runs every minute; trigger it directly and
	// verify expired bindings leave the map.
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Bind("cleanup-1", "e1")
	cache.Bind("cleanup-2", "e2")

	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	cache.mu.RLock()
	mapLen := len(cache.seen)
	cache.mu.RUnlock()
	assert.Equal(t, 0, mapLen, "cleanup should remove expired bindings from map")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	const numGoroutines = 100
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				key := fmt.Sprintf("key-%d-%d", id%26, j%10)
				cache.Bind(key, "exec")
				cache.Resolve(key)
			}
		}(i)
	}
	wg.Wait()

	cache.Bind("final-key", "exec-final")
	_, ok := cache.Resolve("final-key")
	assert.True(t, ok)
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Bind("before-close", "e1")
	_, ok := cache.Resolve("before-close")
	assert.True(t, ok)

	// Multiple closes should not panic.
	cache.Close()
	cache.Close()
}
