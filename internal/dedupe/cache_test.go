// ABOUTME: Tests for the inbound idempotency cache
// ABOUTME: Uses a fake clock for TTL behavior; covers eviction, forget and concurrent claims

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, maxSize)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_ClaimOnce(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	key := Key("conv-1", "wamid.1")
	assert.True(t, c.Claim(key))
	assert.False(t, c.Claim(key), "second claim is a duplicate")
	assert.True(t, c.Seen(key))

	assert.True(t, c.Claim(Key("conv-2", "wamid.1")), "same adapter id in another conversation is distinct")
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	key := Key("conv-1", "m1")
	assert.True(t, c.Claim(key))

	clock.Advance(59 * time.Second)
	assert.True(t, c.Seen(key))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Seen(key))
	assert.True(t, c.Claim(key), "expired keys can be claimed again")
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	key := Key("conv-1", "m1")
	assert.True(t, c.Claim(key))
	c.Forget(key)
	assert.False(t, c.Seen(key))
	assert.True(t, c.Claim(key))

	c.Forget("never-claimed")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 3)

	for i := range 3 {
		assert.True(t, c.Claim(fmt.Sprintf("k%d", i)))
		clock.Advance(time.Second)
	}
	assert.True(t, c.Claim("k3"))

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("k0"), "oldest key evicted")
	assert.True(t, c.Seen("k1"))
	assert.True(t, c.Seen("k3"))
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Claim("old-1")
	c.Claim("old-2")
	clock.Advance(30 * time.Second)
	c.Claim("fresh")
	clock.Advance(45 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("fresh"))
}

func TestCache_ConcurrentClaims(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 1000)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim(Key("conv-1", "retry-storm")) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
