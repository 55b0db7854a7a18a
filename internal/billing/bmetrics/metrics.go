// Package bmetrics holds the Prometheus collectors of the billing service.
package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "membership"
	subsystem = "billing"
)

var (
	// WebhookRequestsTotal counts provider webhook deliveries by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// LedgerWritesTotal counts revenue ledger writes by type and outcome
	// (inserted, duplicate, error).
	LedgerWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "ledger_writes_total",
		Help:      "Revenue ledger writes by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// LinkResolutionsTotal counts organization resolutions by how they were
	// resolved (primary, healed, metadata_only, unresolved).
	LinkResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "link_resolutions_total",
		Help:      "Customer to organization resolutions by outcome.",
	}, []string{"outcome"})

	// ConflictsDetected reports the size of the last conflict scan by class.
	ConflictsDetected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "conflicts_detected",
		Help:      "Conflicts found by the most recent scan, by class.",
	}, []string{"class"})

	// ConflictResolutionsTotal counts operator resolutions by action and outcome.
	ConflictResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "conflict_resolutions_total",
		Help:      "Conflict resolutions by action and outcome.",
	}, []string{"action", "outcome"})

	// BackgroundTasksTotal counts best-effort tasks by name and outcome.
	BackgroundTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "background_tasks_total",
		Help:      "Background side-effect tasks by task and outcome.",
	}, []string{"task", "outcome"})

	// OrganizationsByStatus tracks organizations by projected subscription status.
	OrganizationsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "organizations_by_status",
		Help:      "Organizations by projected subscription status.",
	}, []string{"status"})
)

// ObserveBackgroundTask records the outcome of a background task. It is
// shaped to plug into background.Pool.OnResult.
func ObserveBackgroundTask(name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BackgroundTasksTotal.WithLabelValues(name, outcome).Inc()
}

// SetOrganizationsByStatus replaces the status gauge with counts.
func SetOrganizationsByStatus(counts map[string]int) {
	OrganizationsByStatus.Reset()
	for status, n := range counts {
		OrganizationsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
