// ABOUTME: Tests for the webhook dedupe cache
// ABOUTME: Covers check/mark separation, TTL expiry and size-bounded eviction

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_ContainsOnlyAfterMark(t *testing.T) {
	c := New(time.Minute, 100)

	// Checking must not mark: a failed pipeline leaves the id retryable
	assert.False(t, c.Contains("wamid.1"))
	assert.False(t, c.Contains("wamid.1"))
	assert.Equal(t, 0, c.Len())

	c.Mark("wamid.1")
	assert.True(t, c.Contains("wamid.1"))
	assert.False(t, c.Contains("wamid.2"))
}

func TestCache_ExpiredEntryIsFresh(t *testing.T) {
	c := New(10*time.Millisecond, 100)

	c.Mark("wamid.1")
	assert.True(t, c.Contains("wamid.1"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Contains("wamid.1"), "expired entry is treated as unseen")
}

func TestCache_MarkRefreshesTTL(t *testing.T) {
	c := New(50*time.Millisecond, 100)

	c.Mark("wamid.1")
	time.Sleep(30 * time.Millisecond)
	c.Mark("wamid.1")
	time.Sleep(30 * time.Millisecond)

	assert.True(t, c.Contains("wamid.1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	assert.Equal(t, 3, c.Len())

	// Inserting a fourth evicts the oldest
	c.Mark("d")
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"), "oldest entry was evicted")
	assert.True(t, c.Contains("d"))
}

func TestCache_Concurrent(t *testing.T) {
	c := New(time.Minute, 1000)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("wamid.%d", i)
				if !c.Contains(key) {
					c.Mark(key)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, c.Len())
	for i := 0; i < 100; i++ {
		assert.True(t, c.Contains(fmt.Sprintf("wamid.%d", i)))
	}
}
