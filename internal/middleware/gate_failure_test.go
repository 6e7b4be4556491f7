package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastBackoff makes the recovery loop retry almost immediately in tests.
func fastBackoff() GateOption {
	return WithRecoveryBackoff(5*time.Millisecond, 20*time.Millisecond,
		func(d time.Duration) time.Duration { return d })
}

func TestGateFailurePolicies(t *testing.T) {
	t.Run("passthrough allows all when Redis is down at startup", func(t *testing.T) {
		cfg := testConfig("127.0.0.1:1")
		cfg.Redis.DialTimeout = "100ms"
		cfg.RateLimit.FailurePolicy = config.FailurePolicyPassThrough
		metrics := testMetrics()

		gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), metrics)
		require.NoError(t, err)
		defer gate.Close()

		for i := 0; i < 10; i++ {
			rr := httptest.NewRecorder()
			gate.ServeHTTP(rr, newRequest(http.MethodGet, "/", "1.2.3.4:5555"))
			assert.Equal(t, http.StatusOK, rr.Code)
		}
		assert.Equal(t, int64(10), metrics.Snapshot().Allowed)
	})

	t.Run("fails open when Redis dies mid-flight", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(mr.Addr())
		cfg.RateLimit.MaxRecoveryAttempts = 1
		metrics := testMetrics()

		gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), metrics, fastBackoff())
		require.NoError(t, err)
		defer gate.Close()

		rr := httptest.NewRecorder()
		gate.ServeHTTP(rr, newRequest(http.MethodGet, "/", "1.2.3.4:5555"))
		require.Equal(t, http.StatusOK, rr.Code)

		mr.Close()

		rr = httptest.NewRecorder()
		gate.ServeHTTP(rr, newRequest(http.MethodGet, "/", "1.2.3.4:5555"))
		assert.Equal(t, http.StatusOK, rr.Code, "availability wins when the store is gone")

		assert.Greater(t, metrics.Snapshot().StoreErrors, int64(0))
		assert.Nil(t, gate.loadStores(), "store components must be torn down")
	})

	t.Run("failclosed rejects with the configured code when Redis dies", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(mr.Addr())
		cfg.RateLimit.FailurePolicy = config.FailurePolicyFailClosed
		cfg.RateLimit.FailureCode = http.StatusServiceUnavailable
		cfg.RateLimit.MaxRecoveryAttempts = 1
		metrics := testMetrics()

		gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), metrics, fastBackoff())
		require.NoError(t, err)
		defer gate.Close()

		mr.Close()

		rr := httptest.NewRecorder()
		gate.ServeHTTP(rr, newRequest(http.MethodGet, "/", "1.2.3.4:5555"))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, int64(1), metrics.Snapshot().Limited)
	})

	t.Run("inMemoryFallback limits locally when Redis is down", func(t *testing.T) {
		cfg := testConfig("127.0.0.1:1")
		cfg.Redis.DialTimeout = "100ms"
		cfg.RateLimit.FailurePolicy = config.FailurePolicyInMemoryFallback
		cfg.RateLimit.Categories.API = config.CategoryLimit{Limit: 2, Window: "1m"}
		metrics := testMetrics()

		gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), metrics)
		require.NoError(t, err)
		defer gate.Close()

		allowed := 0
		limited := 0
		// The first request creates a ristretto entry asynchronously. Give
		// ristretto time to admit the entry before sending more requests,
		// otherwise all requests may create independent buckets.
		for i := 0; i < 10; i++ {
			rr := httptest.NewRecorder()
			gate.ServeHTTP(rr, newRequest(http.MethodGet, "/api/widgets", "1.2.3.4:5555"))
			if rr.Code == http.StatusOK {
				allowed++
			} else {
				limited++
			}
			if i == 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}

		assert.Greater(t, allowed, 0)
		assert.Greater(t, limited, 0)
		assert.Greater(t, metrics.Snapshot().FallbackUsed, int64(0))
	})
}

func TestGateRecovery(t *testing.T) {
	t.Run("reinstalls the Redis limiter when the store returns", func(t *testing.T) {
		cfg := testConfig("127.0.0.1:1")
		cfg.Redis.DialTimeout = "100ms"
		cfg.RateLimit.Categories.API = config.CategoryLimit{Limit: 1, Window: "1m"}

		gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), testMetrics(), fastBackoff())
		require.NoError(t, err)
		defer gate.Close()

		// Passthrough while down.
		rr := httptest.NewRecorder()
		gate.ServeHTTP(rr, newRequest(http.MethodGet, "/api/widgets", "1.2.3.4:5555"))
		require.Equal(t, http.StatusOK, rr.Code)

		// Bring Redis up and point the config at it; the recovery loop
		// re-reads the config on each attempt.
		mr := miniredis.RunT(t)
		cfg2 := *gate.cfg.Load()
		cfg2.Redis.Endpoints = []string{mr.Addr()}
		gate.cfg.Store(&cfg2)

		require.Eventually(t, func() bool {
			return gate.loadStores() != nil
		}, 5*time.Second, 10*time.Millisecond, "recovery must reinstall the stores")

		// Redis-backed limiting is active again: second API request in the
		// window is rejected.
		rr = httptest.NewRecorder()
		gate.ServeHTTP(rr, newRequest(http.MethodGet, "/api/widgets", "1.2.3.4:5555"))
		require.Equal(t, http.StatusOK, rr.Code)

		rr = httptest.NewRecorder()
		gate.ServeHTTP(rr, newRequest(http.MethodGet, "/api/widgets", "1.2.3.4:5555"))
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	})

	t.Run("reload concurrent with recovery keeps the emitter consistent", func(t *testing.T) {
		cfg := testConfig("127.0.0.1:1")
		cfg.Redis.DialTimeout = "100ms"

		gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), testMetrics(), fastBackoff())
		require.NoError(t, err)
		defer gate.Close()

		// Bring Redis up and hammer Reload while the recovery loop rebuilds
		// the stores. Reload swaps the emitter that buildStores hands to the
		// tracker, so the two paths overlap here. Run with -race.
		mr := miniredis.RunT(t)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 50; i++ {
				cfg2 := *gate.cfg.Load()
				cfg2.Redis.Endpoints = []string{mr.Addr()}
				assert.NoError(t, gate.Reload(&cfg2))
			}
		}()

		require.Eventually(t, func() bool {
			return gate.loadStores() != nil
		}, 5*time.Second, 10*time.Millisecond, "recovery must reinstall the stores")
		<-done

		assert.NotNil(t, gate.Tracker())
		assert.NotNil(t, gate.emitter.Load())
	})

	t.Run("gives up after max recovery attempts", func(t *testing.T) {
		cfg := testConfig("127.0.0.1:1")
		cfg.Redis.DialTimeout = "50ms"
		cfg.RateLimit.MaxRecoveryAttempts = 2

		gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), testMetrics(), fastBackoff())
		require.NoError(t, err)
		defer gate.Close()

		require.Eventually(t, func() bool {
			gate.reconnectMu.Lock()
			defer gate.reconnectMu.Unlock()
			return !gate.reconnecting
		}, 5*time.Second, 10*time.Millisecond, "recovery loop must stop after max attempts")

		assert.Nil(t, gate.loadStores())
	})
}
