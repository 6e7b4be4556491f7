// Package quota tracks daily per-identity usage in Redis. Each identity gets
// one counter hash per UTC day with a 24-hour retention; bonus grants
// (questionnaires, payments) recorded in the same hash raise the identity's
// effective daily limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/identity"
	"github.com/gatewarden/gatewarden/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

const usageKeyPrefix = "gw:usage:"

// dayFormat is the UTC day bucket appended to every usage key.
const dayFormat = "2006-01-02"

// recordLua counts one request against the identity's daily hash when it
// fits under the effective limit (base + bonus from grants). Denied requests
// do not advance the counter, so an exhausted day reads as exactly the
// limit.
//
// Returns {count, questionnaires, payments, allowed (0|1)}.
//
// Keys: KEYS[1] = usage hash.
// Args: ARGV[1] = base daily limit, ARGV[2] = bonus per grant,
//
//	ARGV[3] = record TTL (ms).
const recordLua = `
local q = tonumber(redis.call('hget', KEYS[1], 'questionnaires') or 0)
local p = tonumber(redis.call('hget', KEYS[1], 'payments') or 0)
local total = tonumber(ARGV[1]) + tonumber(ARGV[2]) * (q + p)

local count = tonumber(redis.call('hget', KEYS[1], 'count') or 0)
local allowed = 0
if count < total then
  count = redis.call('hincrby', KEYS[1], 'count', 1)
  allowed = 1
end
redis.call('pexpire', KEYS[1], ARGV[3])

return {count, q, p, allowed}
`

var recordScript = goredis.NewScript(recordLua)

// ErrBadDate is returned by StatsForDay when the date is not a 2006-01-02
// UTC day.
var ErrBadDate = errors.New("date must be in 2006-01-02 form")

// GrantKind names a bonus-quota source.
type GrantKind string

const (
	GrantQuestionnaire GrantKind = "questionnaire"
	GrantPayment       GrantKind = "payment"
)

// Valid reports whether k is a known grant kind.
func (k GrantKind) Valid() bool {
	return k == GrantQuestionnaire || k == GrantPayment
}

// Status is a point-in-time view of one identity's daily usage.
type Status struct {
	CurrentUsage   int64     `json:"currentUsage"`
	TotalLimit     int64     `json:"totalLimit"`
	Remaining      int64     `json:"remaining"`
	Questionnaires int64     `json:"questionnaires"`
	Payments       int64     `json:"payments"`
	ResetTime      time.Time `json:"resetTime"`
	Exceeded       bool      `json:"exceeded"`
}

// DayStats aggregates usage across all identities for one UTC day.
type DayStats struct {
	Date             string `json:"date"`
	TotalRequests    int64  `json:"totalRequests"`
	UniqueIdentities int64  `json:"uniqueIdentities"`
	Questionnaires   int64  `json:"questionnaires"`
	Payments         int64  `json:"payments"`
}

// Recorder maintains daily usage counters. A nil Recorder (quota disabled)
// is not supported; callers gate on config.Quota.Enabled instead.
type Recorder struct {
	client redis.Client
	logger *slog.Logger

	dailyLimit    int64
	bonusPerGrant int64

	src  string
	hash string

	// now is overridable in tests to pin the day bucket.
	now func() time.Time
}

// NewRecorder creates a daily usage recorder.
func NewRecorder(client redis.Client, cfg config.QuotaConfig, logger *slog.Logger) *Recorder {
	return &Recorder{
		client:        client,
		logger:        logger.With("component", "quota"),
		dailyLimit:    cfg.DailyLimit,
		bonusPerGrant: cfg.BonusPerGrant,
		src:           recordLua,
		hash:          recordScript.Hash(),
		now:           time.Now,
	}
}

// Record counts one request for id against today's quota and returns the
// resulting status. Exceeded is set when the effective daily limit is spent;
// denied requests leave the counter untouched.
func (r *Recorder) Record(ctx context.Context, id identity.Identity) (*Status, error) {
	now := r.now().UTC()
	keys := []string{r.usageKey(id.Fingerprint, now)}
	args := []any{r.dailyLimit, r.bonusPerGrant, (24 * time.Hour).Milliseconds()}

	cmd := r.client.EvalSha(ctx, r.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		cmd = r.client.Eval(ctx, r.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}

	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 4 {
		return nil, fmt.Errorf("script returned %d elements, want 4", len(arr))
	}

	count, _ := arr[0].(int64)
	q, _ := arr[1].(int64)
	p, _ := arr[2].(int64)
	allowed, _ := arr[3].(int64)

	return r.status(count, q, p, allowed == 0, now), nil
}

// Grant records one bonus grant for id, raising today's effective limit, and
// returns the updated status.
func (r *Recorder) Grant(ctx context.Context, id identity.Identity, kind GrantKind) (*Status, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown grant kind %q", kind)
	}

	now := r.now().UTC()
	key := r.usageKey(id.Fingerprint, now)

	field := "questionnaires"
	if kind == GrantPayment {
		field = "payments"
	}

	if err := r.client.HIncrBy(ctx, key, field, 1).Err(); err != nil {
		return nil, err
	}
	if err := r.client.Expire(ctx, key, 24*time.Hour).Err(); err != nil {
		return nil, err
	}

	r.logger.Info("bonus quota granted",
		"fingerprint", id.Fingerprint, "kind", string(kind))

	return r.Usage(ctx, id)
}

// Usage returns id's current daily status without counting a request.
func (r *Recorder) Usage(ctx context.Context, id identity.Identity) (*Status, error) {
	now := r.now().UTC()

	fields, err := r.client.HGetAll(ctx, r.usageKey(id.Fingerprint, now)).Result()
	if err != nil {
		return nil, err
	}

	count := hashField(fields, "count")
	q := hashField(fields, "questionnaires")
	p := hashField(fields, "payments")
	total := r.dailyLimit + r.bonusPerGrant*(q+p)

	return r.status(count, q, p, count >= total, now), nil
}

// StatsForDay aggregates usage across all identities for the given UTC day
// (format 2006-01-02). This walks every usage key for the day and is meant
// for the admin surface, not the hot path.
func (r *Recorder) StatsForDay(ctx context.Context, date string) (*DayStats, error) {
	if _, err := time.Parse(dayFormat, date); err != nil {
		return nil, fmt.Errorf("%w: got %q", ErrBadDate, date)
	}

	stats := &DayStats{Date: date}
	match := usageKeyPrefix + "*:" + date

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning usage records: %w", err)
		}

		for _, key := range keys {
			fields, err := r.client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				continue
			}

			stats.UniqueIdentities++
			stats.TotalRequests += hashField(fields, "count")
			stats.Questionnaires += hashField(fields, "questionnaires")
			stats.Payments += hashField(fields, "payments")
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return stats, nil
}

func (r *Recorder) usageKey(fingerprint string, now time.Time) string {
	return usageKeyPrefix + fingerprint + ":" + now.Format(dayFormat)
}

func (r *Recorder) status(count, q, p int64, exceeded bool, now time.Time) *Status {
	total := r.dailyLimit + r.bonusPerGrant*(q+p)
	remaining := total - count
	if remaining < 0 {
		remaining = 0
	}

	// Daily counters roll over at midnight UTC.
	reset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	return &Status{
		CurrentUsage:   count,
		TotalLimit:     total,
		Remaining:      remaining,
		Questionnaires: q,
		Payments:       p,
		ResetTime:      reset,
		Exceeded:       exceeded,
	}
}

func hashField(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
