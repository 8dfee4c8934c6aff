// Package metrics exposes Prometheus instrumentation for the login gate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics tracks login attempts, their outcomes and provider call latency.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LoginRequests    prometheus.Counter
	Outcomes         *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	VerifyDuration   prometheus.Histogram
	Redirects        *prometheus.CounterVec
}

// New creates a Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LoginRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "ryuu_gate_login_requests_total",
			Help: "Total number of login attempts started",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ryuu_gate_login_outcomes_total",
			Help: "Terminal login outcomes by resulting state and reason",
		}, []string{"state", "reason"}),
		ExchangeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ryuu_gate_token_exchange_duration_seconds",
			Help:    "Duration of authorization code exchanges",
			Buckets: providerBuckets,
		}),
		VerifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ryuu_gate_membership_check_duration_seconds",
			Help:    "Duration of guild membership checks",
			Buckets: providerBuckets,
		}),
		Redirects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ryuu_gate_redirects_total",
			Help: "Intercepted provider redirects by disposition",
		}, []string{"disposition"}),
	}
}

// IncLoginRequests records a new login attempt.
func (m *Metrics) IncLoginRequests() {
	if m == nil {
		return
	}
	m.LoginRequests.Inc()
}

// IncOutcome records a terminal state. reason may be empty.
func (m *Metrics) IncOutcome(state, reason string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(state, reason).Inc()
}

// IncRedirect records what happened to an intercepted redirect
// (accepted, declined, ignored).
func (m *Metrics) IncRedirect(disposition string) {
	if m == nil {
		return
	}
	m.Redirects.WithLabelValues(disposition).Inc()
}

// ObserveExchange records the duration of a token exchange.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveExchange(start time.Time) {
	if m == nil {
		return
	}
	m.ExchangeDuration.Observe(time.Since(start).Seconds())
}

// ObserveVerify records the duration of a membership check.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveVerify(start time.Time) {
	if m == nil {
		return
	}
	m.VerifyDuration.Observe(time.Since(start).Seconds())
}
