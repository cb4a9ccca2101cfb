package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the claims pipeline and the
// treasury. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// --- Claims ---
	ReportsAccepted  *prometheus.CounterVec
	ReportsRejected  *prometheus.CounterVec
	ReportDuration   prometheus.Histogram
	PayoutsDisbursed prometheus.Counter

	// --- Policies ---
	PolicyTransitions *prometheus.CounterVec

	// --- Treasury ---
	TreasuryBalance    prometheus.Gauge
	TreasuryReserve    prometheus.Gauge
	TreasuryAvailable  prometheus.Gauge
	TreasuryRatio      prometheus.Gauge
	ReserveRequirement prometheus.Gauge
	PremiumsReceived   prometheus.Counter
	TreasuryRejections *prometheus.CounterVec

	// --- Side effects ---
	SideEffectFailures *prometheus.CounterVec
	SideEffectsDropped *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReportsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parametric_reports_accepted_total",
			Help: "Damage reports accepted and paid",
		}, []string{"transport"}),

		ReportsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parametric_reports_rejected_total",
			Help: "Damage reports rejected, by failing check",
		}, []string{"transport", "code"}),

		ReportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parametric_report_validation_duration_seconds",
			Help:    "Time to validate and settle one damage report",
			Buckets: prometheus.DefBuckets,
		}),

		PayoutsDisbursed: factory.NewCounter(prometheus.CounterOpts{
			Name: "parametric_payouts_disbursed_base_units_total",
			Help: "Sum of disbursed payouts in settlement base units",
		}),

		PolicyTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parametric_policy_transitions_total",
			Help: "Policy status transitions",
		}, []string{"to"}),

		TreasuryBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parametric_treasury_balance",
			Help: "Treasury balance in base units",
		}),

		TreasuryReserve: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parametric_treasury_required_reserve",
			Help: "Required reserve in base units",
		}),

		TreasuryAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parametric_treasury_available_for_payouts",
			Help: "Balance above the required reserve",
		}),

		TreasuryRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parametric_treasury_reserve_ratio",
			Help: "Balance as a percentage of lifetime net premiums",
		}),

		ReserveRequirement: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parametric_treasury_reserve_requirement_met",
			Help: "1 when balance covers the required reserve",
		}),

		PremiumsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "parametric_premiums_received_total",
			Help: "Premium credits accepted",
		}),

		TreasuryRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parametric_treasury_rejections_total",
			Help: "Treasury operations rejected, by error code",
		}, []string{"operation", "code"}),

		SideEffectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parametric_side_effect_failures_total",
			Help: "Best-effort post-commit actions that failed",
		}, []string{"action"}),
		SideEffectsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parametric_side_effects_dropped_total",
			Help: "Post-commit actions dropped because the worker queue was full or stopped",
		}, []string{"action"}),
	}
}

func (m *Metrics) ReportAccepted(transport string, payout int64, took time.Duration) {
	if m == nil {
		return
	}
	m.ReportsAccepted.WithLabelValues(transport).Inc()
	m.PayoutsDisbursed.Add(float64(payout))
	m.ReportDuration.Observe(took.Seconds())
}

func (m *Metrics) ReportRejected(transport, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.ReportsRejected.WithLabelValues(transport, code).Inc()
	m.ReportDuration.Observe(took.Seconds())
}

func (m *Metrics) PolicyTransition(to string) {
	if m == nil {
		return
	}
	m.PolicyTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) PremiumReceived() {
	if m == nil {
		return
	}
	m.PremiumsReceived.Inc()
}

func (m *Metrics) TreasuryRejected(operation, code string) {
	if m == nil {
		return
	}
	m.TreasuryRejections.WithLabelValues(operation, code).Inc()
}

// SetTreasury publishes a snapshot of the ledger figures.
func (m *Metrics) SetTreasury(balance, requiredReserve, available, ratio int64, meets bool) {
	if m == nil {
		return
	}
	m.TreasuryBalance.Set(float64(balance))
	m.TreasuryReserve.Set(float64(requiredReserve))
	m.TreasuryAvailable.Set(float64(available))
	m.TreasuryRatio.Set(float64(ratio))
	if meets {
		m.ReserveRequirement.Set(1)
	} else {
		m.ReserveRequirement.Set(0)
	}
}

func (m *Metrics) SideEffectFailed(action string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) SideEffectDropped(action string) {
	if m == nil {
		return
	}
	m.SideEffectsDropped.WithLabelValues(action).Inc()
}
