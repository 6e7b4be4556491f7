package ratelimit

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the fallback cache (64 MiB).
const defaultMaxCost = 64 << 20

// windowEntryCost approximates the memory footprint of one tracked identity:
// the window struct plus a timestamp slice sized for a typical limit. Used as
// the cost parameter so ristretto manages eviction by real memory rather than
// an arbitrary key count.
const windowEntryCost = 1 << 10

// InMemoryLimiter provides per-key sliding-window rate limiting using local
// memory. Used as a fallback when Redis is unavailable and the failure policy
// is "inmemoryfallback".
//
// IMPORTANT: This limiter is NOT globally consistent. Each Gatewarden
// instance maintains its own independent counters. Under failover conditions
// the effective rate limit is per-instance, not per-cluster.
//
// Ristretto handles concurrency, TTL-based expiry, and admission/eviction
// (TinyLFU policy) within the configured memory budget. The window state is
// stored per key with a per-window mutex so that hot paths only contend on
// the individual key, not a global lock.
type InMemoryLimiter struct {
	cache *ristretto.Cache[string, *window]
}

// window holds the admission timestamps inside the trailing window for one key.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewInMemoryLimiter creates an in-memory limiter backed by ristretto.
func NewInMemoryLimiter() *InMemoryLimiter {
	// NumCounters should be ~10x the expected max items so the frequency
	// sketch stays accurate.
	estimatedItems := int64(defaultMaxCost / windowEntryCost)
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &InMemoryLimiter{cache: cache}
}

// Allow records one request under key and reports whether it fits inside the
// trailing window of duration win with the given limit.
func (l *InMemoryLimiter) Allow(key string, limit int64, win time.Duration) bool {
	if limit <= 0 {
		return false
	}

	now := time.Now()

	w, found := l.cache.Get(key)
	if !found {
		w = &window{stamps: []time.Time{now}}
		l.cache.SetWithTTL(key, w, windowEntryCost, win+10*time.Second)
		// Wait ensures the window is visible to subsequent Gets. This only
		// blocks on the first request for a key; the hot path (cache hit)
		// has zero extra cost. Acceptable for a fallback limiter.
		l.cache.Wait()
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop entries that have slid out of the window.
	cutoff := now.Add(-win)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if int64(len(w.stamps)) >= limit {
		return false
	}

	w.stamps = append(w.stamps, now)
	return true
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *InMemoryLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
