// Package metrics provides Prometheus metrics for the safety core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	AccessChecks       *prometheus.CounterVec
	ProposalsEvaluated prometheus.Counter
	ProposalsBlocked   prometheus.Counter
	AlertsRaised       *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	AuditAppends       prometheus.Counter
	AuditAppendErrors  prometheus.Counter
	AuditBacklog       prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		AccessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_checks_total",
			Help: "Access decisions by outcome",
		}, []string{"outcome"}),
		ProposalsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proposals_evaluated_total",
			Help: "Prescription proposals screened by the rule engine",
		}),
		ProposalsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proposals_blocked_total",
			Help: "Proposals blocked by a critical alert",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinical_alerts_total",
			Help: "Clinical alerts by type and severity",
		}, []string{"type", "severity"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinical_evaluation_duration_seconds",
			Help:    "Full four-check evaluation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Audit entries written",
		}),
		AuditAppendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_append_errors_total",
			Help: "Audit writes that failed",
		}),
		AuditBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_stream_backlog",
			Help: "Audit rows not yet published to the stream",
		}),
	}

	prometheus.MustRegister(
		m.AccessChecks,
		m.ProposalsEvaluated,
		m.ProposalsBlocked,
		m.AlertsRaised,
		m.EvaluationDuration,
		m.AuditAppends,
		m.AuditAppendErrors,
		m.AuditBacklog,
	)
	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
