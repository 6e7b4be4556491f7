package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.NotNil(t, m)
		assert.NotNil(t, m.promAllowed)
		assert.NotNil(t, m.promLimited)
		assert.NotNil(t, m.PromRequestDuration)
	})
}

func TestMetricsIncAllowed(t *testing.T) {
	t.Run("increments allowed counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncAllowed()
		m.IncAllowed()
		m.IncAllowed()

		snap := m.Snapshot()
		assert.Equal(t, int64(3), snap.Allowed)
		assert.Equal(t, float64(3), testutil.ToFloat64(m.promAllowed))
	})
}

func TestMetricsIncLimited(t *testing.T) {
	t.Run("increments limited counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncLimited()
		m.IncLimited()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Limited)
	})
}

func TestMetricsIncLocked(t *testing.T) {
	t.Run("increments locked counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncLocked()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.Locked)
	})
}

func TestMetricsIncQuotaExceeded(t *testing.T) {
	t.Run("increments quota exceeded counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncQuotaExceeded()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.QuotaExceeded)
	})
}

func TestMetricsIncStoreErrors(t *testing.T) {
	t.Run("increments store error counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncStoreErrors()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.StoreErrors)
	})
}

func TestMetricsIncFallbackUsed(t *testing.T) {
	t.Run("increments fallback counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncFallbackUsed()
		m.IncFallbackUsed()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.FallbackUsed)
	})
}

func TestMetricsIncFailuresRecorded(t *testing.T) {
	t.Run("increments recorded-failure counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncFailuresRecorded()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.FailuresRecorded)
	})
}

func TestMetricsIncAlertsDropped(t *testing.T) {
	t.Run("increments dropped-alert counter", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncAlertsDropped()

		snap := m.Snapshot()
		assert.Equal(t, int64(1), snap.AlertsDropped)
	})
}

func TestMetricsCategoryCounters(t *testing.T) {
	t.Run("counts per category label", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		m.IncCategoryAllowed("auth")
		m.IncCategoryAllowed("auth")
		m.IncCategoryAllowed("api")
		m.IncCategoryLimited("auth")

		assert.Equal(t, float64(2), testutil.ToFloat64(m.promCategoryAllowed.WithLabelValues("auth")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promCategoryAllowed.WithLabelValues("api")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.promCategoryLimited.WithLabelValues("auth")))
	})
}

func TestMetricsSnapshot(t *testing.T) {
	t.Run("returns point-in-time snapshot of all counters", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())

		m.IncAllowed()
		m.IncAllowed()
		m.IncLimited()
		m.IncLocked()
		m.IncQuotaExceeded()
		m.IncStoreErrors()
		m.IncFallbackUsed()
		m.IncFailuresRecorded()
		m.IncAlertsDropped()

		snap := m.Snapshot()
		assert.Equal(t, int64(2), snap.Allowed)
		assert.Equal(t, int64(1), snap.Limited)
		assert.Equal(t, int64(1), snap.Locked)
		assert.Equal(t, int64(1), snap.QuotaExceeded)
		assert.Equal(t, int64(1), snap.StoreErrors)
		assert.Equal(t, int64(1), snap.FallbackUsed)
		assert.Equal(t, int64(1), snap.FailuresRecorded)
		assert.Equal(t, int64(1), snap.AlertsDropped)
	})
}
