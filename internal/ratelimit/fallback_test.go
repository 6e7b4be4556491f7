package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewInMemoryLimiter(t *testing.T) {
	t.Run("creates limiter that allows requests", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()
		assert.NotNil(t, l)
		assert.True(t, l.Allow("test-key", 5, time.Minute))
	})
}

func TestInMemoryLimiterAllow(t *testing.T) {
	t.Run("allows requests up to the limit", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		for i := 0; i < 5; i++ {
			assert.True(t, l.Allow("key1", 5, time.Minute), "request %d should be allowed", i)
		}
	})

	t.Run("denies requests once the window is full", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		for i := 0; i < 3; i++ {
			assert.True(t, l.Allow("key2", 3, time.Minute))
		}
		assert.False(t, l.Allow("key2", 3, time.Minute))
		assert.False(t, l.Allow("key2", 3, time.Minute))
	})

	t.Run("non-positive limit denies everything", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		assert.False(t, l.Allow("key", 0, time.Minute))
		assert.False(t, l.Allow("key", -1, time.Minute))
	})

	t.Run("window slides over time", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		win := 50 * time.Millisecond
		assert.True(t, l.Allow("key3", 2, win))
		assert.True(t, l.Allow("key3", 2, win))
		assert.False(t, l.Allow("key3", 2, win))

		// Let the earlier entries slide out of the trailing window.
		time.Sleep(win + 20*time.Millisecond)

		assert.True(t, l.Allow("key3", 2, win))
	})

	t.Run("different keys are independent", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		assert.True(t, l.Allow("key-a", 1, time.Minute))
		assert.False(t, l.Allow("key-a", 1, time.Minute))

		// key-b has its own window.
		assert.True(t, l.Allow("key-b", 1, time.Minute))
	})

	t.Run("categories with different limits share nothing", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		assert.True(t, l.Allow("auth:fp1", 1, 15*time.Minute))
		assert.False(t, l.Allow("auth:fp1", 1, 15*time.Minute))

		for i := 0; i < 10; i++ {
			assert.True(t, l.Allow("api:fp1", 10, time.Minute))
		}
	})
}

func TestInMemoryLimiterConcurrentAdmission(t *testing.T) {
	t.Run("never admits more than the limit under contention", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		const (
			limit      = 10
			goroutines = 50
		)

		// Seed the key so every goroutine contends on the same window.
		assert.True(t, l.Allow("hot-key", limit, time.Minute))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed = 1
		)
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Allow("hot-key", limit, time.Minute) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, limit, allowed)
	})

	t.Run("concurrent access across many keys", func(t *testing.T) {
		l := NewInMemoryLimiter()
		defer l.Close()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				key := fmt.Sprintf("key-%d", n)
				for j := 0; j < 10; j++ {
					l.Allow(key, 100, time.Minute)
				}
			}(i)
		}
		wg.Wait()
	})
}

func TestInMemoryLimiterClose(t *testing.T) {
	t.Run("close is safe to call multiple times", func(t *testing.T) {
		l := NewInMemoryLimiter()
		l.Close()
		l.Close() // should not panic
	})
}
