// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for Gatewarden.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus gauges/counters and atomic counters for
// fast-path access in the middleware hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed          int64
	limited          int64
	locked           int64
	quotaExceeded    int64
	storeErrors      int64
	fallbackUsed     int64
	failuresRecorded int64
	alertsDropped    int64

	// Prometheus counters for scraping.
	promAllowed          prometheus.Counter
	promLimited          prometheus.Counter
	promLocked           prometheus.Counter
	promQuotaExceeded    prometheus.Counter
	promStoreErrors      prometheus.Counter
	promFallbackUsed     prometheus.Counter
	promFailuresRecorded prometheus.Counter
	promAlertsDropped    prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec
	PromBackendDuration prometheus.Histogram

	// PromStoreHealthy is 1 while the Redis store is reachable, 0 while the
	// gate is operating under its failure policy.
	PromStoreHealthy prometheus.Gauge

	// Remaining window capacity distribution (histogram, not per-key gauge
	// — avoids unbounded cardinality from high-cardinality fingerprints).
	PromWindowRemaining prometheus.Histogram

	// Per-category counters. Categories are a closed enum, so using a label
	// is safe from cardinality explosions.
	promCategoryAllowed *prometheus.CounterVec
	promCategoryLimited *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed rate limiting.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promLocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "requests_locked_total",
			Help:      "Total number of requests rejected because the identity is locked.",
		}),
		promQuotaExceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "quota_exceeded_total",
			Help:      "Total number of requests rejected by the daily quota.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "store_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "fallback_used_total",
			Help:      "Total number of requests handled by the in-memory fallback.",
		}),
		promFailuresRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "failures_recorded_total",
			Help:      "Total number of failed attempts recorded against identities.",
		}),
		promAlertsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "alerts_dropped_total",
			Help:      "Total number of security alerts dropped due to a full buffer.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatewarden",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromBackendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatewarden",
			Name:      "backend_duration_seconds",
			Help:      "Backend round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromStoreHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewarden",
			Name:      "store_healthy",
			Help:      "Whether the Redis store is currently reachable (1) or not (0).",
		}),
		PromWindowRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatewarden",
			Name:      "window_remaining_requests",
			Help:      "Distribution of remaining window capacity across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		promCategoryAllowed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "category_requests_allowed_total",
			Help:      "Total requests allowed per operation category.",
		}, []string{"category"}),
		promCategoryLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewarden",
			Name:      "category_requests_limited_total",
			Help:      "Total requests rate-limited per operation category.",
		}, []string{"category"}),
	}

	m.PromStoreHealthy.Set(1)

	return m
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncLocked increments the locked-identity rejection counter.
func (m *Metrics) IncLocked() {
	atomic.AddInt64(&m.locked, 1)
	m.promLocked.Inc()
}

// IncQuotaExceeded increments the daily-quota rejection counter.
func (m *Metrics) IncQuotaExceeded() {
	atomic.AddInt64(&m.quotaExceeded, 1)
	m.promQuotaExceeded.Inc()
}

// IncStoreErrors increments the Redis error counter.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// IncFallbackUsed increments the fallback usage counter.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// IncFailuresRecorded increments the recorded-failure counter.
func (m *Metrics) IncFailuresRecorded() {
	atomic.AddInt64(&m.failuresRecorded, 1)
	m.promFailuresRecorded.Inc()
}

// IncAlertsDropped increments the dropped-alert counter.
func (m *Metrics) IncAlertsDropped() {
	atomic.AddInt64(&m.alertsDropped, 1)
	m.promAlertsDropped.Inc()
}

// IncCategoryAllowed increments the per-category allowed counter.
func (m *Metrics) IncCategoryAllowed(category string) {
	m.promCategoryAllowed.WithLabelValues(category).Inc()
}

// IncCategoryLimited increments the per-category rate-limited counter.
func (m *Metrics) IncCategoryLimited(category string) {
	m.promCategoryLimited.WithLabelValues(category).Inc()
}

// ObserveRemaining records the remaining window capacity as a histogram
// observation. This provides distribution visibility without per-key
// cardinality.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromWindowRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed          int64
	Limited          int64
	Locked           int64
	QuotaExceeded    int64
	StoreErrors      int64
	FallbackUsed     int64
	FailuresRecorded int64
	AlertsDropped    int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:          atomic.LoadInt64(&m.allowed),
		Limited:          atomic.LoadInt64(&m.limited),
		Locked:           atomic.LoadInt64(&m.locked),
		QuotaExceeded:    atomic.LoadInt64(&m.quotaExceeded),
		StoreErrors:      atomic.LoadInt64(&m.storeErrors),
		FallbackUsed:     atomic.LoadInt64(&m.fallbackUsed),
		FailuresRecorded: atomic.LoadInt64(&m.failuresRecorded),
		AlertsDropped:    atomic.LoadInt64(&m.alertsDropped),
	}
}
