// Package metrics exposes the audit pipeline's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "econaudit"

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	reg prometheus.Gatherer

	// Fork sessions
	ForksActive     prometheus.Gauge
	ForkStarts      *prometheus.CounterVec
	ForkStartupTime *prometheus.HistogramVec

	// Detection
	OracleCalls   *prometheus.CounterVec
	Deviations    *prometheus.CounterVec
	Opportunities *prometheus.CounterVec

	// Validation
	Syntheses  *prometheus.CounterVec
	Executions *prometheus.CounterVec

	// Audits
	AuditsTotal   *prometheus.CounterVec
	AuditDuration prometheus.Histogram

	// API
	HTTPRequests *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		ForksActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fork",
			Name:      "sessions_active",
			Help:      "Fork sessions currently running",
		}),
		ForkStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fork",
			Name:      "starts_total",
			Help:      "Fork session start attempts by chain and result",
		}, []string{"chain", "result"}),
		ForkStartupTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fork",
			Name:      "startup_seconds",
			Help:      "Time from launch until the fork answered its readiness probe",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"chain"}),
		OracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "quotes_total",
			Help:      "Oracle quotes by chain and outcome reason",
		}, []string{"chain", "reason"}),
		Deviations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detect",
			Name:      "deviations_total",
			Help:      "Price deviations by severity",
		}, []string{"severity", "flagged"}),
		Opportunities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detect",
			Name:      "opportunities_total",
			Help:      "Modeled arbitrage opportunities by strategy",
		}, []string{"strategy", "provisional"}),
		Syntheses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validate",
			Name:      "syntheses_total",
			Help:      "Exploit synthesis attempts by method and reason",
		}, []string{"method", "reason"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validate",
			Name:      "executions_total",
			Help:      "Fork executions by result",
		}, []string{"result"}),
		AuditsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "runs_total",
			Help:      "Audit runs by chain and status",
		}, []string{"chain", "status"}),
		AuditDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "duration_seconds",
			Help:      "Audit wall-clock duration",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		HTTPRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route pattern and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ForkStarted records a fork start attempt.
func (m *Metrics) ForkStarted(chain, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ForkStarts.WithLabelValues(chain, result).Inc()
	if result == "ok" {
		m.ForkStartupTime.WithLabelValues(chain).Observe(took.Seconds())
		m.ForksActive.Inc()
	}
}

// ForkStopped records a fork teardown.
func (m *Metrics) ForkStopped() {
	if m == nil {
		return
	}
	m.ForksActive.Dec()
}

// OracleQuoted records an oracle lookup.
func (m *Metrics) OracleQuoted(chain, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	m.OracleCalls.WithLabelValues(chain, reason).Inc()
}

// DeviationSeen records a computed deviation.
func (m *Metrics) DeviationSeen(severity string, flagged bool) {
	if m == nil {
		return
	}
	m.Deviations.WithLabelValues(severity, boolLabel(flagged)).Inc()
}

// OpportunityModeled records a modeled opportunity.
func (m *Metrics) OpportunityModeled(strategy string, provisional bool) {
	if m == nil {
		return
	}
	m.Opportunities.WithLabelValues(strategy, boolLabel(provisional)).Inc()
}

// Synthesized records an exploit synthesis attempt.
func (m *Metrics) Synthesized(method, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	m.Syntheses.WithLabelValues(method, reason).Inc()
}

// Executed records a fork execution outcome.
func (m *Metrics) Executed(result string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(result).Inc()
}

// AuditFinished records a completed audit.
func (m *Metrics) AuditFinished(chain, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.AuditsTotal.WithLabelValues(chain, status).Inc()
	m.AuditDuration.Observe(took.Seconds())
}

// HTTPRequest records one served API request. route is the mux pattern,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Observe(took.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
