// Package ratelimit implements distributed sliding-window rate limiting using
// Redis sorted sets with a Lua script for atomicity, plus an in-memory
// fallback for when Redis is unavailable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLimiterClosed is returned when Allow is called after the limiter has
// been closed.
var ErrLimiterClosed = errors.New("limiter is closed")

// slidingWindowLua is the Lua source for atomic sliding-window rate limiting
// over a sorted set. Each admitted request is a member scored by its arrival
// time in milliseconds; entries older than the window are pruned before
// counting, so the window slides continuously instead of resetting at fixed
// boundaries.
//
// On denial retry_after is the time until the oldest surviving entry ages
// out, not the full window length: that is the earliest instant a retry can
// be admitted, so clients back off no longer than necessary.
//
// Returns {allowed (0|1), retry_after_ms, remaining, limit, reset_after_ms}.
//
// Keys: KEYS[1] = window key.
// Args: ARGV[1] = limit, ARGV[2] = window (ms), ARGV[3] = now (ms),
//
//	ARGV[4] = unique member for this request.
const slidingWindowLua = `
local key    = KEYS[1]
local limit  = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now    = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('zremrangebyscore', key, '-inf', now - window)
local count = redis.call('zcard', key)

-- reset_after: time until the oldest surviving entry leaves the window.
local reset = 0
local oldest = redis.call('zrange', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
  if reset < 0 then reset = 0 end
end

if count < limit then
  redis.call('zadd', key, now, member)
  -- Extra grace on the TTL so a key is never reaped mid-window.
  redis.call('pexpire', key, window + 10000)
  if reset == 0 then
    reset = window
  end
  return {1, 0, limit - count - 1, limit, reset}
end

local retry = reset
if retry <= 0 then
  retry = window
end
return {0, retry, 0, limit, reset}
`

// slidingWindowScript uses go-redis to compute the SHA1 hash that Redis
// expects for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var slidingWindowScript = goredis.NewScript(slidingWindowLua)

// Result holds the parsed result of a rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful only when Allowed == false
	Remaining  int64         // admissions left in the current window
	Limit      int64         // window capacity
	ResetAfter time.Duration // time until the oldest entry leaves the window
}

// Limiter performs sliding-window rate limiting against Redis. Limit and
// window are supplied per call so one limiter serves every operation
// category.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	keyPrefix string
	closed    atomic.Bool

	// now is overridable in tests to exercise window sliding.
	now func() time.Time
}

// NewLimiter creates a Redis-backed sliding-window rate limiter.
func NewLimiter(client redis.Client, prefix string, logger *slog.Logger) *Limiter {
	return &Limiter{
		client:    client,
		logger:    logger,
		src:       slidingWindowLua,
		hash:      slidingWindowScript.Hash(),
		keyPrefix: prefix,
		now:       time.Now,
	}
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the Lua source on every request.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Close marks the limiter as closed and closes the underlying Redis client.
// Subsequent calls to Allow return ErrLimiterClosed.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Allow records one request under key and reports whether it fits inside
// the trailing window. The check and the recording are a single atomic
// script execution, so concurrent callers can never admit more than limit
// requests per window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	fullKey := l.keyPrefix + key
	nowMs := l.now().UnixMilli()

	cmd, err := l.evalScript(ctx, []string{fullKey}, limit, window.Milliseconds(), nowMs, uniqueMember(nowMs))
	if err != nil {
		return nil, err
	}

	return parseScriptResult(cmd)
}

// Client returns the underlying Redis client (used for lifecycle management).
func (l *Limiter) Client() redis.Client {
	return l.client
}

// uniqueMember builds a sorted-set member that is unique even when many
// requests land on the same millisecond.
func uniqueMember(nowMs int64) string {
	return strconv.FormatInt(nowMs, 10) + "-" + strconv.FormatUint(rand.Uint64(), 36)
}

// parseScriptResult parses the Lua {allowed, retry_after_ms, remaining, limit, reset_after_ms} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 5 {
		return nil, fmt.Errorf("script returned %d elements, want 5", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}

	retryMs, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing retry_after: %w", err)
	}

	remaining, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("parsing remaining: %w", err)
	}

	limit, err := toInt64(arr[3])
	if err != nil {
		return nil, fmt.Errorf("parsing limit: %w", err)
	}

	resetMs, err := toInt64(arr[4])
	if err != nil {
		return nil, fmt.Errorf("parsing reset_after: %w", err)
	}

	return &Result{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
		Remaining:  remaining,
		Limit:      limit,
		ResetAfter: time.Duration(resetMs) * time.Millisecond,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
