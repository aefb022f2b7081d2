package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the workflow engine.
type Metrics struct {
	TransitionsApplied  *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
	AuditEntries        prometheus.Counter
	AuditBatchFailures  prometheus.Counter
	SweepActions        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		TransitionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "creditflow_transitions_applied_total",
			Help: "Status transitions applied, by entity and target status",
		}, []string{"entity", "to"}),
		TransitionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "creditflow_transitions_rejected_total",
			Help: "Illegal status transitions rejected, by entity",
		}, []string{"entity"}),
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "creditflow_webhook_events_total",
			Help: "Carrier webhook events received, by processing result",
		}, []string{"result"}),
		AuditEntries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "creditflow_audit_entries_total",
			Help: "Audit log entries committed",
		}),
		AuditBatchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "creditflow_audit_batch_failures_total",
			Help: "Audit batch commits that failed and aborted their operation",
		}),
		SweepActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "creditflow_sweep_actions_total",
			Help: "SLA sweep actions, by kind (reminder, breach, auto_close)",
		}, []string{"kind"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditflow_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
