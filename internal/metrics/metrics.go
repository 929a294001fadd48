package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance pipeline.
type Metrics struct {
	ImprovementsPlanned *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	Decisions           *prometheus.CounterVec
	GuardrailViolations *prometheus.CounterVec
	RiskScore           prometheus.Histogram
	ConfidenceScore     prometheus.Histogram
	StageDuration       *prometheus.HistogramVec

	VCSRetries  *prometheus.CounterVec
	VCSFailures *prometheus.CounterVec
	Rollbacks   *prometheus.CounterVec

	NotificationFailures *prometheus.CounterVec
	LockConflicts        prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. Each caller passes
// its own registry so tests can build isolated instances.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ImprovementsPlanned: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_improvements_planned_total",
				Help: "Improvements accepted at plan time",
			},
			[]string{"trigger_type"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_improvement_transitions_total",
				Help: "Improvement status transitions",
			},
			[]string{"from", "to"},
		),
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_decisions_total",
				Help: "Decision engine dispositions",
			},
			[]string{"action", "risk_level", "overridden"},
		),
		GuardrailViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_guardrail_violations_total",
				Help: "Guardrail violations by stage and kind",
			},
			[]string{"stage", "kind"},
		),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "holly_risk_score",
			Help:    "Computed risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 12),
		}),
		ConfidenceScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "holly_confidence_score",
			Help:    "Computed confidence scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "holly_stage_duration_seconds",
				Help:    "Duration of lifecycle stages",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"stage", "success"},
		),
		VCSRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_vcs_retries_total",
				Help: "Retried VCS calls",
			},
			[]string{"operation"},
		),
		VCSFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_vcs_failures_total",
				Help: "VCS calls that failed after retries",
			},
			[]string{"operation", "permanent"},
		),
		Rollbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_rollbacks_total",
				Help: "Rollbacks of failed deployments by result",
			},
			[]string{"status"},
		),
		NotificationFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_notification_failures_total",
				Help: "Failed notification deliveries",
			},
			[]string{"channel"},
		),
		LockConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "holly_lock_conflicts_total",
			Help: "Writers that lost the per-improvement lock",
		}),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holly_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "holly_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, start time.Time, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	m.StageDuration.WithLabelValues(stage, success).Observe(time.Since(start).Seconds())
}
