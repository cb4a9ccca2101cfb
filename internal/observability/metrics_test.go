package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ReportAccepted("nats", 5_000, 10*time.Millisecond)
	m.ReportRejected("http", "STALE_REPORT", time.Millisecond)
	m.ReportRejected("http", "STALE_REPORT", time.Millisecond)
	m.SetTreasury(1_000, 200, 800, 111, true)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReportsAccepted.WithLabelValues("nats")))
	assert.Equal(t, float64(5_000), testutil.ToFloat64(m.PayoutsDisbursed))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReportsRejected.WithLabelValues("http", "STALE_REPORT")))
	assert.Equal(t, float64(800), testutil.ToFloat64(m.TreasuryAvailable))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReserveRequirement))

	m.SetTreasury(100, 200, 0, 50, false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReserveRequirement))

	m.SideEffectDropped("archive_report")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SideEffectsDropped.WithLabelValues("archive_report")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ReportAccepted("http", 1, time.Second)
		m.ReportRejected("http", "X", time.Second)
		m.PolicyTransition("active")
		m.PremiumReceived()
		m.TreasuryRejected("disburse", "X")
		m.SetTreasury(1, 1, 1, 1, true)
		m.SideEffectFailed("archive_report")
		m.SideEffectDropped("archive_report")
	})
}
