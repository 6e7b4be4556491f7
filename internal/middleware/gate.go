// Package middleware implements the Gatewarden request gate. Every inbound
// request passes through: identity resolution → lockout check → category
// classification → sliding-window rate limit → daily quota → proxy.
package middleware

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/alerts"
	"github.com/gatewarden/gatewarden/internal/classify"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/identity"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/quota"
	"github.com/gatewarden/gatewarden/internal/ratelimit"
	"github.com/gatewarden/gatewarden/internal/redis"
	"github.com/gatewarden/gatewarden/internal/security"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("gatewarden.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// storeOpTimeout bounds every individual Redis round-trip on the hot path.
// Exceeding it is treated as a store failure, not as something to wait out.
const storeOpTimeout = 3 * time.Second

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 is cryptographically strong and avoids a syscall per ID
// (unlike crypto/rand.Read), which reduces latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// lockedResponse is the body returned while an identity is locked.
type lockedResponse struct {
	Message   string `json:"message"`
	LockUntil string `json:"lockUntil"`
	Reason    string `json:"reason"`
}

// limitedResponse is the body returned on a sliding-window rejection.
type limitedResponse struct {
	Message        string   `json:"message"`
	RetryAfter     float64  `json:"retryAfter,omitempty"`
	UpgradeOptions []string `json:"upgradeOptions,omitempty"`
}

// quotaResponse is the body returned when the daily quota is exhausted.
type quotaResponse struct {
	Message        string    `json:"message"`
	CurrentUsage   int64     `json:"currentUsage"`
	TotalLimit     int64     `json:"totalLimit"`
	ResetTime      time.Time `json:"resetTime"`
	UpgradeOptions []string  `json:"upgradeOptions,omitempty"`
}

// writeJSON writes a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, body any) {
	b, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

// cryptoRandFloat64 returns a cryptographically random float64 in [0, 1).
func cryptoRandFloat64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// Default recovery backoff configuration.
var (
	defaultRecoveryBackoffBase = time.Second
	defaultRecoveryBackoffMax  = 30 * time.Second

	defaultBackoffJitter = func(d time.Duration) time.Duration {
		factor := 0.8 + cryptoRandFloat64()*0.4
		return time.Duration(float64(d) * factor)
	}
)

// Metadata carries the admit decision for downstream handlers. It is attached
// to the request context on every allowed request.
type Metadata struct {
	Identity  identity.Identity
	Category  classify.Category
	Remaining int64
}

type metadataKey struct{}

// MetadataFrom returns the gate decision metadata attached to ctx, if any.
func MetadataFrom(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}

// stores bundles the Redis-backed components that live and die together with
// one store connection.
type stores struct {
	client  redis.Client
	limiter *ratelimit.Limiter
	tracker *security.Tracker
	quota   *quota.Recorder // nil when the daily quota is disabled
}

// Gate is the main request processing middleware. It chains lockout checks,
// rate limiting, daily quotas, and proxying into a single http.Handler.
type Gate struct {
	next    atomic.Pointer[http.Handler]  // swappable proxy for backend hot-reload
	cfg     atomic.Pointer[config.Config] // atomic: read by recoveryLoop without lock, written by Reload under mu
	logger  *slog.Logger
	metrics *observability.Metrics

	// resolver is read from the hot path without holding mu and swapped
	// atomically during Reload.
	resolver atomic.Pointer[identity.Resolver]

	mu             sync.RWMutex
	stores         *stores // nil while the Redis store is unreachable
	redisUnhealthy bool

	fallback *ratelimit.InMemoryLimiter

	// requestTimeout is read from ServeHTTP (hot path) without holding mu,
	// and written by Reload. Using atomic.Value avoids a data race without
	// adding lock contention.
	requestTimeout atomic.Value // time.Duration

	// emitter is read by buildStores on the recovery goroutine and swapped
	// by Reload, so it goes through an atomic pointer like cfg and resolver.
	emitter atomic.Pointer[alerts.Emitter]

	ctx          context.Context
	cancel       context.CancelFunc
	reconnectMu  sync.Mutex
	reconnecting bool

	// Per-instance backoff config for the recovery loop. Copied from
	// package-level defaults at construction; tests override these on
	// individual Gate instances to avoid data races with goroutines
	// from other tests reading the same values.
	recoveryBackoffBase time.Duration
	recoveryBackoffMax  time.Duration
	backoffJitter       func(time.Duration) time.Duration
}

// GateOption configures optional Gate behavior. Used in tests to override
// defaults before any background goroutines are started.
type GateOption func(*Gate)

// WithRecoveryBackoff overrides the recovery loop backoff parameters.
// This is intended for testing; production callers should use the defaults.
func WithRecoveryBackoff(base, maxBackoff time.Duration, jitter func(time.Duration) time.Duration) GateOption {
	return func(g *Gate) {
		g.recoveryBackoffBase = base
		g.recoveryBackoffMax = maxBackoff
		g.backoffJitter = jitter
	}
}

// NewGate creates the request gate with the given next handler (normally the
// reverse proxy).
func NewGate(
	parentCtx context.Context,
	next http.Handler,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts ...GateOption,
) (*Gate, error) {
	ctx, cancel := context.WithCancel(parentCtx)

	resolver, err := identity.NewResolver(cfg.Identity)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("identity resolver: %w", err)
	}

	reqTimeout, _ := time.ParseDuration(cfg.Server.RequestTimeout)

	gate := &Gate{
		logger:              logger,
		metrics:             metrics,
		fallback:            ratelimit.NewInMemoryLimiter(),
		ctx:                 ctx,
		cancel:              cancel,
		recoveryBackoffBase: defaultRecoveryBackoffBase,
		recoveryBackoffMax:  defaultRecoveryBackoffMax,
		backoffJitter:       defaultBackoffJitter,
	}
	for _, o := range opts {
		o(gate)
	}
	gate.next.Store(&next)
	gate.cfg.Store(cfg)
	gate.resolver.Store(resolver)
	gate.requestTimeout.Store(reqTimeout)
	gate.emitter.Store(alerts.NewEmitter(cfg.Alerts, logger, metrics))

	if err := gate.initRedis(cfg, logger); err != nil {
		_ = gate.emitter.Load().Close()
		cancel()
		return nil, err
	}

	logger.Info("request gate ready",
		"quota_enabled", cfg.Quota.Enabled,
		"policy", gate.failurePolicy())

	return gate, nil
}

func (g *Gate) initRedis(cfg *config.Config, logger *slog.Logger) error {
	client, redisErr := redis.NewClient(cfg.Redis)
	if redisErr != nil {
		return g.handleRedisStartupFailure(redisErr, logger)
	}

	st, err := g.buildStores(client, cfg)
	if err != nil {
		_ = client.Close()
		return err
	}

	g.mu.Lock()
	g.stores = st
	g.mu.Unlock()
	return nil
}

func (g *Gate) handleRedisStartupFailure(err error, logger *slog.Logger) error {
	fp := g.failurePolicy()
	switch fp {
	case config.FailurePolicyPassThrough, config.FailurePolicyInMemoryFallback:
		logger.Warn("redis unavailable at startup, operating in fallback mode",
			"error", err, "policy", fp)
		g.metrics.PromStoreHealthy.Set(0)
		g.mu.Lock()
		g.redisUnhealthy = true
		g.mu.Unlock()
		g.startRecoveryIfNeeded()
		return nil
	default:
		return fmt.Errorf("redis connection failed: %w", err)
	}
}

// buildStores creates the limiter, reputation tracker, and quota recorder
// sharing one Redis client.
func (g *Gate) buildStores(client redis.Client, cfg *config.Config) (*stores, error) {
	prefix := "gw:win:"
	if cfg.RateLimit.KeyPrefix != "" {
		prefix = cfg.RateLimit.KeyPrefix + ":win:"
	}

	tracker, err := security.NewTracker(client, cfg.Security, g.emitter.Load(), g.logger)
	if err != nil {
		return nil, fmt.Errorf("security tracker: %w", err)
	}

	st := &stores{
		client:  client,
		limiter: ratelimit.NewLimiter(client, prefix, g.logger),
		tracker: tracker,
	}
	if cfg.Quota.Enabled {
		st.quota = quota.NewRecorder(client, cfg.Quota, g.logger)
	}
	return st, nil
}

func (g *Gate) failurePolicy() config.FailurePolicy {
	fp := g.cfg.Load().RateLimit.FailurePolicy
	if fp == "" {
		fp = config.FailurePolicyPassThrough
	}
	return fp
}

func (g *Gate) failureCode() int {
	fc := g.cfg.Load().RateLimit.FailureCode
	if fc == 0 {
		fc = http.StatusTooManyRequests
	}
	return fc
}

// loadStores returns the current store bundle, or nil while Redis is down.
func (g *Gate) loadStores() *stores {
	g.mu.RLock()
	st := g.stores
	g.mu.RUnlock()
	return st
}

// statusWriter captures the HTTP status code and body size written by
// downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code         int
	written      bool
	bytesWritten int64
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytesWritten += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so that SSE streaming works even with
// middleware or handlers that assert w.(http.Flusher) directly instead of
// using Unwrap().
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP processes the request through lockout → rate limit → quota → proxy.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false
	sw.bytesWritten = 0

	// Propagate or generate X-Request-Id for request correlation.
	// Validate client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		duration := time.Since(start)
		g.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(duration.Seconds())
		if g.cfg.Load().Logging.AccessLogEnabled() {
			g.logger.Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code,
				"duration_ms", duration.Milliseconds(),
				"bytes", sw.bytesWritten,
				"remote_addr", r.RemoteAddr,
				"host", r.Host,
				"request_id", reqID,
				"user_agent", r.Header.Get("User-Agent"),
				"proto", r.Proto,
			)
		}
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	if timeout := g.requestTimeout.Load().(time.Duration); timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	id := g.resolver.Load().Resolve(r)
	st := g.loadStores()

	if g.denyIfLocked(sw, r, st, id) {
		return
	}

	cat := classify.Classify(r)
	limits := classify.LimitsFor(cat, g.cfg.Load().RateLimit.Categories)
	windowKey := string(cat) + ":" + id.Fingerprint

	if st == nil || !g.tryWindow(sw, r, st, id, cat, limits, windowKey) {
		g.applyFailurePolicy(sw, r, id, cat, limits, windowKey)
	}
}

// denyIfLocked checks the lockout store and writes the 403 response when the
// identity is locked. Store errors degrade to "not locked": availability wins
// over strict enforcement when infrastructure is down.
func (g *Gate) denyIfLocked(w *statusWriter, r *http.Request, st *stores, id identity.Identity) bool {
	if st == nil {
		return false
	}

	_, span := tracer.Start(r.Context(), "gatewarden.lockout")
	defer span.End()

	ctx, cancel := context.WithTimeout(r.Context(), storeOpTimeout)
	defer cancel()

	rec, err := st.tracker.IsLocked(ctx, id)
	if err != nil {
		g.metrics.IncStoreErrors()
		g.logger.Warn("lock check failed, treating as unlocked", "error", err, "ip", id.IP)
		g.handleStoreError(err)
		return false
	}
	if rec == nil {
		return false
	}

	g.metrics.IncLocked()
	span.SetAttributes(attribute.Bool("lockout.locked", true))

	retryAfter := time.Until(rec.LockedUntil)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(retryAfter.Seconds())), 10))
	writeJSON(w, http.StatusForbidden, lockedResponse{
		Message:   "Too many failed attempts. Access temporarily locked.",
		LockUntil: rec.LockedUntil.UTC().Format(time.RFC3339),
		Reason:    rec.Reason,
	})
	return true
}

// tryWindow enforces the sliding window (and the daily quota) via Redis.
// Returns true if the request was fully handled (allowed or denied), false if
// the store is unavailable and the failure policy should take over.
func (g *Gate) tryWindow(
	w *statusWriter,
	r *http.Request,
	st *stores,
	id identity.Identity,
	cat classify.Category,
	limits classify.Limits,
	windowKey string,
) bool {
	_, span := tracer.Start(r.Context(), "gatewarden.window")
	ctx, cancel := context.WithTimeout(r.Context(), storeOpTimeout)
	result, err := st.limiter.Allow(ctx, windowKey, limits.Limit, limits.Window)
	cancel()
	span.End()

	if err != nil {
		g.metrics.IncStoreErrors()
		g.handleStoreError(err)
		return false
	}

	setRateLimitHeaders(w, result)
	g.metrics.ObserveRemaining(result.Remaining)

	if !result.Allowed {
		g.metrics.IncLimited()
		g.metrics.IncCategoryLimited(string(cat))
		g.recordFailureAsync(id)
		g.serveRateLimited(w, result.RetryAfter)
		return true
	}

	if st.quota != nil && g.denyIfOverQuota(w, r, st, id) {
		return true
	}

	g.metrics.IncAllowed()
	g.metrics.IncCategoryAllowed(string(cat))
	g.forward(w, r, id, cat, result.Remaining)
	return true
}

// denyIfOverQuota records the request against today's quota and writes the
// 429 response when the daily total is exhausted. Store errors fail open.
func (g *Gate) denyIfOverQuota(w *statusWriter, r *http.Request, st *stores, id identity.Identity) bool {
	ctx, cancel := context.WithTimeout(r.Context(), storeOpTimeout)
	defer cancel()

	status, err := st.quota.Record(ctx, id)
	if err != nil {
		g.metrics.IncStoreErrors()
		g.logger.Warn("quota check failed, allowing request", "error", err, "ip", id.IP)
		g.handleStoreError(err)
		return false
	}
	if !status.Exceeded {
		return false
	}

	g.metrics.IncQuotaExceeded()

	retryAfter := time.Until(status.ResetTime)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(retryAfter.Seconds())), 10))
	writeJSON(w, http.StatusTooManyRequests, quotaResponse{
		Message:        "Daily request limit reached.",
		CurrentUsage:   status.CurrentUsage,
		TotalLimit:     status.TotalLimit,
		ResetTime:      status.ResetTime,
		UpgradeOptions: g.upgradeOptions(),
	})
	return true
}

// forward hands the request to the next handler (the proxy). Backend 401/403
// responses to auth-category requests count as failed attempts, so credential
// guessing through the gate still builds reputation.
func (g *Gate) forward(w *statusWriter, r *http.Request, id identity.Identity, cat classify.Category, remaining int64) {
	ctx, span := tracer.Start(r.Context(), "gatewarden.proxy")
	span.SetAttributes(
		attribute.String("gate.category", string(cat)),
		attribute.Int64("gate.remaining", remaining),
	)
	ctx = context.WithValue(ctx, metadataKey{}, Metadata{
		Identity:  id,
		Category:  cat,
		Remaining: remaining,
	})

	backendStart := time.Now()
	(*g.next.Load()).ServeHTTP(w, r.WithContext(ctx))
	g.metrics.PromBackendDuration.Observe(time.Since(backendStart).Seconds())
	span.End()

	if cat == classify.CategoryAuth &&
		(w.code == http.StatusUnauthorized || w.code == http.StatusForbidden) {
		g.recordFailureAsync(id)
	}
}

// recordFailureAsync records a failed attempt without blocking the response.
// A nil tracker (store down) makes this a no-op.
func (g *Gate) recordFailureAsync(id identity.Identity) {
	st := g.loadStores()
	if st == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if _, err := st.tracker.RecordFailure(ctx, id); err != nil {
			g.logger.Warn("recording failed attempt failed", "error", err, "ip", id.IP)
			return
		}
		g.metrics.IncFailuresRecorded()
	}()
}

// setRateLimitHeaders writes standard rate-limit headers to every response.
// See https://datatracker.ietf.org/doc/draft-ietf-httpapi-ratelimit-headers/
func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))

	resetSeconds := int64(math.Ceil(result.ResetAfter.Seconds()))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetSeconds, 10))
}

func (g *Gate) serveRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	retrySeconds := math.Ceil(retryAfter.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retrySeconds))
	writeJSON(w, http.StatusTooManyRequests, limitedResponse{
		Message:        "Too Many Requests",
		RetryAfter:     retrySeconds,
		UpgradeOptions: g.upgradeOptions(),
	})
}

// upgradeOptions lists the ways a client can raise its daily limit. Empty when
// the quota (and therefore bonus grants) is disabled.
func (g *Gate) upgradeOptions() []string {
	cfg := g.cfg.Load()
	if !cfg.Quota.Enabled || cfg.Quota.BonusPerGrant <= 0 {
		return nil
	}
	bonus := strconv.FormatInt(cfg.Quota.BonusPerGrant, 10)
	return []string{
		"complete a questionnaire for +" + bonus + " requests per day",
		"purchase a bonus pack for +" + bonus + " requests per day",
	}
}

// handleStoreError tears down the Redis-backed components on connectivity
// errors and starts the recovery loop. Non-connectivity errors (bad reply,
// script error) leave the connection in place.
func (g *Gate) handleStoreError(err error) {
	if !redis.IsConnectivityErr(err) {
		return
	}

	g.mu.Lock()
	old := g.stores
	g.stores = nil
	shouldLog := !g.redisUnhealthy
	g.redisUnhealthy = true
	g.mu.Unlock()

	if old != nil {
		_ = old.client.Close()
	}

	if shouldLog {
		g.metrics.PromStoreHealthy.Set(0)
		g.logger.Warn("redis became unhealthy, switching to fallback",
			"error", err, "policy", g.failurePolicy())
	}
	g.startRecoveryIfNeeded()
}

// applyFailurePolicy decides the request while the store is unreachable.
func (g *Gate) applyFailurePolicy(
	w *statusWriter,
	r *http.Request,
	id identity.Identity,
	cat classify.Category,
	limits classify.Limits,
	windowKey string,
) {
	switch g.failurePolicy() {
	case config.FailurePolicyFailClosed:
		g.metrics.IncLimited()
		fc := g.failureCode()
		writeJSON(w, fc, limitedResponse{Message: http.StatusText(fc)})

	case config.FailurePolicyInMemoryFallback:
		g.metrics.IncFallbackUsed()
		if g.fallback.Allow(windowKey, limits.Limit, limits.Window) {
			g.metrics.IncAllowed()
			g.metrics.IncCategoryAllowed(string(cat))
			g.forward(w, r, id, cat, 0)
		} else {
			g.metrics.IncLimited()
			g.metrics.IncCategoryLimited(string(cat))
			g.serveRateLimited(w, limits.Window)
		}

	default: // passthrough
		g.metrics.IncAllowed()
		g.metrics.IncCategoryAllowed(string(cat))
		g.forward(w, r, id, cat, 0)
	}
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func (g *Gate) startRecoveryIfNeeded() {
	if g.ctx.Err() != nil {
		return
	}

	g.reconnectMu.Lock()
	if g.reconnecting {
		g.reconnectMu.Unlock()
		return
	}
	g.reconnecting = true
	g.reconnectMu.Unlock()

	go func() {
		g.recoveryLoop()
		g.reconnectMu.Lock()
		g.reconnecting = false
		g.reconnectMu.Unlock()
	}()
}

func (g *Gate) recoveryLoop() {
	backoff := g.recoveryBackoffBase
	attempt := 0
	maxAttempts := g.cfg.Load().RateLimit.MaxRecoveryAttempts

	for {
		if g.ctx.Err() != nil {
			return
		}

		cfg := g.cfg.Load()
		client, err := redis.NewClient(cfg.Redis)
		if err == nil {
			var st *stores
			st, err = g.buildStores(client, cfg)
			if err != nil {
				_ = client.Close()
			} else {
				if g.ctx.Err() != nil {
					_ = client.Close()
					return
				}
				g.recoveryInstall(st)
				return
			}
		}

		attempt++
		if done := g.recoveryRetry(&backoff, attempt, maxAttempts, err); done {
			return
		}
	}
}

func (g *Gate) recoveryRetry(backoff *time.Duration, attempt, maxAttempts int, err error) (done bool) {
	if maxAttempts > 0 && attempt >= maxAttempts {
		g.logger.Error("redis recovery exhausted max attempts, giving up",
			"attempts", attempt, "max", maxAttempts, "last_error", err)
		return true
	}

	sleep := g.backoffJitter(*backoff)

	if attempt <= 5 || attempt%10 == 0 {
		g.logger.Warn("redis recovery attempt failed",
			"attempt", attempt, "error", err, "next_in", sleep)
	}

	timer := time.NewTimer(sleep)
	select {
	case <-g.ctx.Done():
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		return true
	case <-timer.C:
	}

	*backoff = min(*backoff*2, g.recoveryBackoffMax)
	return false
}

func (g *Gate) recoveryInstall(st *stores) {
	g.mu.Lock()
	old := g.stores
	g.stores = st
	g.redisUnhealthy = false
	g.mu.Unlock()

	if old != nil {
		_ = old.client.Close()
	}

	g.metrics.PromStoreHealthy.Set(1)
	g.logger.Info("redis connection recovered")
}

// redisPingerAdapter wraps a redis.Client to satisfy the observability.Pinger interface.
type redisPingerAdapter struct {
	client redis.Client
}

func (a *redisPingerAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// RedisPinger returns a Pinger that can probe the current Redis connection.
// Returns nil while Redis is down. The pinger delegates to the underlying
// Redis client's Ping command. It's safe to call concurrently.
func (g *Gate) RedisPinger() observability.Pinger {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.stores == nil {
		return nil
	}
	return &redisPingerAdapter{client: g.stores.client}
}

// Tracker returns the current reputation tracker, or nil while Redis is down.
// Used by the admin API for unlock/stats operations.
func (g *Gate) Tracker() *security.Tracker {
	st := g.loadStores()
	if st == nil {
		return nil
	}
	return st.tracker
}

// Quota returns the current quota recorder, or nil while Redis is down or the
// quota is disabled. Used by the admin API for usage/grant operations.
func (g *Gate) Quota() *quota.Recorder {
	st := g.loadStores()
	if st == nil {
		return nil
	}
	return st.quota
}

// Reload hot-swaps the identity resolver, category limits, failure policy,
// and store components from a new config. The Redis connection is kept when
// it is still healthy.
func (g *Gate) Reload(newCfg *config.Config) error {
	resolver, err := identity.NewResolver(newCfg.Identity)
	if err != nil {
		return fmt.Errorf("reload identity resolver: %w", err)
	}
	g.resolver.Store(resolver)

	// Recreate emitter first: the rebuilt tracker must hold the new one.
	oldEmitter := g.emitter.Swap(alerts.NewEmitter(newCfg.Alerts, g.logger, g.metrics))

	g.cfg.Store(newCfg) // Atomic store — recoveryLoop reads g.cfg without the mutex.

	// Rebuild store components around the existing Redis client so category
	// limit, threshold, and quota changes take effect without reconnecting.
	g.mu.Lock()
	if g.stores != nil {
		st, buildErr := g.buildStores(g.stores.client, newCfg)
		if buildErr != nil {
			g.mu.Unlock()
			if oldEmitter != nil {
				_ = oldEmitter.Close()
			}
			return fmt.Errorf("reload stores: %w", buildErr)
		}
		g.stores = st
	}
	g.mu.Unlock()

	if oldEmitter != nil {
		_ = oldEmitter.Close()
	}

	if d, parseErr := time.ParseDuration(newCfg.Server.RequestTimeout); parseErr == nil {
		g.requestTimeout.Store(d)
	}

	g.logger.Info("request gate reloaded",
		"quota_enabled", newCfg.Quota.Enabled,
		"policy", g.failurePolicy())

	return nil
}

// SwapProxy atomically replaces the downstream proxy handler.
// Used for hot-reloading backend configuration changes.
func (g *Gate) SwapProxy(next http.Handler) {
	g.next.Store(&next)
}

// Close shuts down the gate and releases all resources.
func (g *Gate) Close() error {
	g.cancel()

	g.mu.Lock()
	old := g.stores
	g.stores = nil
	g.redisUnhealthy = true
	g.mu.Unlock()

	var firstErr error
	if old != nil {
		firstErr = old.client.Close()
	}
	if g.fallback != nil {
		g.fallback.Close()
	}
	if err := g.emitter.Load().Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
