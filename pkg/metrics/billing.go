package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
)

// BillingMetrics tracks backend calls, reconciliation outcomes and referral
// credits.
type BillingMetrics struct {
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	drift           *prometheus.CounterVec
	credits         *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	m := &BillingMetrics{
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billsync_backend_calls_total",
			Help: "External billing backend calls by outcome code.",
		}, []string{"backend", "op", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billsync_backend_call_duration_seconds",
			Help:    "Duration of external billing backend calls including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billsync_reconcile_operations_total",
			Help: "Reconciliation engine operations by outcome code.",
		}, []string{"op", "outcome"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billsync_state_drift_total",
			Help: "Confirmed external mutations whose local write did not land.",
		}, []string{"op"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billsync_referral_credits_total",
			Help: "Referral credit attempts by outcome code.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.backendCalls, m.backendDuration, m.operations, m.drift, m.credits)
	return m
}

// ObserveBackendCall satisfies billingbackend.CallObserver.
func (m *BillingMetrics) ObserveBackendCall(backend enums.BillingBackend, op string, err error, elapsed time.Duration) {
	if m == nil || m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(string(backend), normalizeLabel(op), outcome(err)).Inc()
	m.backendDuration.WithLabelValues(string(backend), normalizeLabel(op)).Observe(elapsed.Seconds())
}

func (m *BillingMetrics) ObserveOperation(op string, err error) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(op), outcome(err)).Inc()
}

func (m *BillingMetrics) IncDrift(op string) {
	if m == nil || m.drift == nil {
		return
	}
	m.drift.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *BillingMetrics) ObserveCredit(err error) {
	if m == nil || m.credits == nil {
		return
	}
	m.credits.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(pkgerrors.CodeOf(err))
}
