// Package security implements per-identity reputation tracking and lockout.
// Failed attempts are counted in Redis with a 24-hour retention; identities
// crossing the failure threshold receive a lock record that expires on its
// own or via an explicit admin unlock.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gatewarden/gatewarden/internal/alerts"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/identity"
	"github.com/gatewarden/gatewarden/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes for security state.
const (
	secKeyPrefix  = "gw:sec:"
	lockKeyPrefix = "gw:lock:"
)

// State describes an identity's position in the reputation cycle.
type State string

const (
	StateClean      State = "clean"
	StateSuspicious State = "suspicious"
	StateLocked     State = "locked"
)

// recordFailureLua atomically bumps the failure counters for an identity and
// creates the lock record once the failure count reaches the lock threshold.
// The counter hash keeps its full retention TTL on every write; the lock key
// gets its own TTL equal to the lockout duration. SET NX makes lock creation
// race-free: concurrent failures past the threshold produce exactly one lock.
//
// Returns {failures, suspicious, lock_created (0|1)}.
//
// Keys: KEYS[1] = counter hash, KEYS[2] = lock key.
// Args: ARGV[1] = now (ms), ARGV[2] = suspicious threshold,
//
//	ARGV[3] = lock threshold, ARGV[4] = lockout (ms),
//	ARGV[5] = record TTL (ms), ARGV[6] = lock record JSON.
const recordFailureLua = `
local failures = redis.call('hincrby', KEYS[1], 'failures', 1)
redis.call('hincrby', KEYS[1], 'requests', 1)
redis.call('hset', KEYS[1], 'last_attempt_ms', ARGV[1])
redis.call('hsetnx', KEYS[1], 'first_seen_ms', ARGV[1])
redis.call('pexpire', KEYS[1], ARGV[5])

local suspicious = 0
if failures >= tonumber(ARGV[2]) then
  suspicious = redis.call('hincrby', KEYS[1], 'suspicious', 1)
  redis.call('pexpire', KEYS[1], ARGV[5])
end

local created = 0
if failures >= tonumber(ARGV[3]) then
  if redis.call('set', KEYS[2], ARGV[6], 'NX', 'PX', ARGV[4]) then
    created = 1
  end
end

return {failures, suspicious, created}
`

var recordFailureScript = goredis.NewScript(recordFailureLua)

// LockRecord describes an active (or historical) identity lock.
type LockRecord struct {
	IP          string    `json:"ip"`
	Fingerprint string    `json:"fingerprint"`
	LockedUntil time.Time `json:"locked_until"`
	Reason      string    `json:"reason"`
	LockedAt    time.Time `json:"locked_at"`
}

// FailureOutcome is the result of recording one failed attempt.
type FailureOutcome struct {
	Failures   int64
	Suspicious int64
	State      State
	JustLocked bool // true when this call created the lock
}

// Stats is an aggregate view over the tracked identities within a period.
type Stats struct {
	TrackedIdentities    int64 `json:"trackedIdentities"`
	TotalRequests        int64 `json:"totalRequests"`
	TotalFailures        int64 `json:"totalFailures"`
	SuspiciousIdentities int64 `json:"suspiciousIdentities"`
	CurrentlyLocked      int64 `json:"currentlyLocked"`
}

// Tracker maintains per-identity failure counters and locks in Redis. All
// threshold checks happen inside a Lua script, so concurrent failures for
// the same identity never miss the lock transition.
type Tracker struct {
	client  redis.Client
	logger  *slog.Logger
	emitter *alerts.Emitter

	suspiciousThreshold int64
	maxFailedAttempts   int64
	lockoutDuration     time.Duration
	recordTTL           time.Duration

	src  string
	hash string

	// now is overridable in tests to exercise lazy lock expiry.
	now func() time.Time
}

// NewTracker creates a reputation tracker. The emitter may be nil, in which
// case no alerts are sent.
func NewTracker(client redis.Client, cfg config.SecurityConfig, emitter *alerts.Emitter, logger *slog.Logger) (*Tracker, error) {
	lockout, err := config.ParseDuration(cfg.LockoutDuration, 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid lockout_duration: %w", err)
	}
	recordTTL, err := config.ParseDuration(cfg.RecordTTL, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid record_ttl: %w", err)
	}

	return &Tracker{
		client:              client,
		logger:              logger.With("component", "security"),
		emitter:             emitter,
		suspiciousThreshold: cfg.SuspiciousThreshold,
		maxFailedAttempts:   cfg.MaxFailedAttempts,
		lockoutDuration:     lockout,
		recordTTL:           recordTTL,
		src:                 recordFailureLua,
		hash:                recordFailureScript.Hash(),
		now:                 time.Now,
	}, nil
}

// RecordFailure registers one failed attempt for id. When the failure count
// reaches the lock threshold, a lock record is created atomically and a
// security alert is emitted. Crossing the suspicious threshold also emits an
// alert, but does not block the identity.
func (t *Tracker) RecordFailure(ctx context.Context, id identity.Identity) (*FailureOutcome, error) {
	now := t.now()
	lockedUntil := now.Add(t.lockoutDuration)

	rec := LockRecord{
		IP:          id.IP,
		Fingerprint: id.Fingerprint,
		LockedUntil: lockedUntil,
		Reason:      fmt.Sprintf("exceeded %d failed attempts", t.maxFailedAttempts),
		LockedAt:    now,
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling lock record: %w", err)
	}

	keys := []string{secKeyPrefix + id.Fingerprint, lockKeyPrefix + id.Fingerprint}
	args := []any{
		now.UnixMilli(),
		t.suspiciousThreshold,
		t.maxFailedAttempts,
		t.lockoutDuration.Milliseconds(),
		t.recordTTL.Milliseconds(),
		string(recJSON),
	}

	cmd := t.client.EvalSha(ctx, t.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		cmd = t.client.Eval(ctx, t.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}

	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 3 {
		return nil, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}

	failures, _ := arr[0].(int64)
	suspicious, _ := arr[1].(int64)
	created, _ := arr[2].(int64)

	out := &FailureOutcome{
		Failures:   failures,
		Suspicious: suspicious,
		State:      StateClean,
		JustLocked: created == 1,
	}
	switch {
	case failures >= t.maxFailedAttempts:
		out.State = StateLocked
	case failures >= t.suspiciousThreshold:
		out.State = StateSuspicious
	}

	if out.JustLocked {
		t.logger.Warn("identity locked",
			"ip", id.IP, "fingerprint", id.Fingerprint,
			"failures", failures, "locked_until", lockedUntil)
		t.emitter.Emit(alerts.Alert{
			Kind:        alerts.KindLocked,
			IP:          id.IP,
			Fingerprint: id.Fingerprint,
			Failures:    failures,
			LockedUntil: lockedUntil.Format(time.RFC3339),
			Reason:      rec.Reason,
			Timestamp:   now.Format(time.RFC3339),
		})
	} else if failures == t.suspiciousThreshold {
		t.logger.Info("suspicious activity",
			"ip", id.IP, "fingerprint", id.Fingerprint, "failures", failures)
		t.emitter.Emit(alerts.Alert{
			Kind:        alerts.KindSuspicious,
			IP:          id.IP,
			Fingerprint: id.Fingerprint,
			Failures:    failures,
			Timestamp:   now.Format(time.RFC3339),
		})
	}

	return out, nil
}

// IsLocked reports whether id is currently locked, returning the lock record
// when it is. A lock whose deadline has passed is deleted on read and
// reported as unlocked, so a stale record never blocks a request.
func (t *Tracker) IsLocked(ctx context.Context, id identity.Identity) (*LockRecord, error) {
	return t.lockByFingerprint(ctx, id.Fingerprint)
}

func (t *Tracker) lockByFingerprint(ctx context.Context, fingerprint string) (*LockRecord, error) {
	key := lockKeyPrefix + fingerprint

	raw, err := t.client.Get(ctx, key).Result()
	if err != nil {
		if redis.IsNilErr(err) {
			return nil, nil
		}
		return nil, err
	}

	var rec LockRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.logger.Warn("dropping unreadable lock record", "key", key, "error", err)
		_ = t.client.Del(ctx, key).Err()
		return nil, nil
	}

	if !t.now().Before(rec.LockedUntil) {
		// Lazy expiry: the TTL has not reaped the key yet, but the lock
		// deadline has passed.
		_ = t.client.Del(ctx, key).Err()
		return nil, nil
	}

	return &rec, nil
}

// Unlock removes the lock for fingerprint. Returns true when a lock existed
// and was removed, false when there was nothing to unlock.
func (t *Tracker) Unlock(ctx context.Context, fingerprint, reason string) (bool, error) {
	n, err := t.client.Del(ctx, lockKeyPrefix+fingerprint).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	t.logger.Info("identity unlocked", "fingerprint", fingerprint, "reason", reason)
	t.emitter.Emit(alerts.Alert{
		Kind:        alerts.KindUnlocked,
		Fingerprint: fingerprint,
		Reason:      reason,
		Timestamp:   t.now().Format(time.RFC3339),
	})
	return true, nil
}

// ListLocked returns all currently active lock records. Records past their
// deadline are skipped (and cleaned up), matching IsLocked semantics.
func (t *Tracker) ListLocked(ctx context.Context) ([]LockRecord, error) {
	var out []LockRecord

	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, lockKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning locks: %w", err)
		}

		for _, key := range keys {
			rec, err := t.lockByFingerprint(ctx, key[len(lockKeyPrefix):])
			if err != nil {
				return nil, err
			}
			if rec != nil {
				out = append(out, *rec)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return out, nil
}

// Stats aggregates the failure records whose last attempt falls within
// period. This walks every tracked identity and is meant for the admin
// surface, not the hot path.
func (t *Tracker) Stats(ctx context.Context, period time.Duration) (*Stats, error) {
	since := t.now().Add(-period).UnixMilli()
	stats := &Stats{}

	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, secKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning failure records: %w", err)
		}

		for _, key := range keys {
			fields, err := t.client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				continue
			}
			if hashField(fields, "last_attempt_ms") < since {
				continue
			}

			stats.TrackedIdentities++
			stats.TotalRequests += hashField(fields, "requests")
			stats.TotalFailures += hashField(fields, "failures")
			if hashField(fields, "suspicious") > 0 {
				stats.SuspiciousIdentities++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	locked, err := t.ListLocked(ctx)
	if err != nil {
		return nil, err
	}
	stats.CurrentlyLocked = int64(len(locked))

	return stats, nil
}

func hashField(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
