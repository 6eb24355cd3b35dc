// Package telemetry provides logging setup and Prometheus metrics for the governance core.
//
// All metrics are registered against the default Prometheus registry. `orggov serve`
// serves them on a side port:
//
//	GET http://<host>:<ORGGOV_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Library callers that embed the services in their own process can mount promhttp.Handler()
// wherever they expose metrics.
//
// Label values are drawn from closed sets (operation kinds, outcomes, job names, audit
// actions) so cardinality stays bounded; organization and user IDs are never used as labels.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tenderdesk/orggov/internal/safego"
)

// Bulk operation metrics.
//
// BulkItemsTotal is a CounterVec with labels {operation, outcome}. operation is one of
// update_roles, remove_members, invite_members, rollback; outcome is success or failure.
//
// Example PromQL queries:
//   - Failure ratio per operation:  sum by (operation) (rate(bulk_items_total{outcome="failure"}[1h])) / sum by (operation) (rate(bulk_items_total[1h]))
//
// BulkOperationDuration is a HistogramVec with label {operation}.
var (
	BulkItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orggov_bulk_items_total",
			Help: "Total number of bulk operation items processed, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	BulkOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orggov_bulk_operation_duration_seconds",
			Help:    "Duration of a complete bulk operation, by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// TransferEventsTotal is a CounterVec with label {event}: initiated, accepted, cancelled,
// expired, compensated, inconsistent. Any increase of event="inconsistent" needs a human.
var TransferEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orggov_ownership_transfer_events_total",
		Help: "Total number of ownership transfer state changes, by event.",
	},
	[]string{"event"},
)

// AuditWriteFailuresTotal counts audit entries that could not be persisted, by action.
// Audit failures never fail the calling operation, so this counter is the only signal.
//
// Example PromQL queries:
//   - Alert expression:  increase(orggov_audit_write_failures_total[15m]) > 0
var AuditWriteFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orggov_audit_write_failures_total",
		Help: "Total number of audit log entries that failed to persist, by action.",
	},
	[]string{"action"},
)

// AuditShipFailuresTotal counts entries a shipper destination rejected, by destination type.
var AuditShipFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orggov_audit_ship_failures_total",
		Help: "Total number of audit entries that failed to reach a shipper destination.",
	},
	[]string{"destination"},
)

// NotificationsTotal is a CounterVec with labels {kind, outcome}.
var NotificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orggov_notifications_total",
		Help: "Total number of notifications dispatched, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// SuspiciousSessionsTotal counts detections by indicator (multiple_ips, unusual_hours,
// new_device). One detection with several indicators increments each of them.
var SuspiciousSessionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orggov_suspicious_sessions_total",
		Help: "Total number of suspicious-session indicators raised, by indicator.",
	},
	[]string{"indicator"},
)

// OrganizationsPurgedTotal counts organizations permanently deleted, by trigger
// (retention for the scheduled sweep, forced for ForcePermanentDeletion).
var OrganizationsPurgedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orggov_organizations_purged_total",
		Help: "Total number of organizations permanently deleted, by trigger.",
	},
	[]string{"trigger"},
)

// Maintenance job metrics, labelled by job name.
var (
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orggov_job_duration_seconds",
			Help:    "Duration of a maintenance job run, by job.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orggov_job_items_total",
			Help: "Total number of rows affected by maintenance jobs, by job.",
		},
		[]string{"job"},
	)

	JobErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orggov_job_errors_total",
			Help: "Total number of failed maintenance job runs, by job.",
		},
		[]string{"job"},
	)
)

// HTTP metrics recorded by middleware.Metrics for services mounted behind gin.
// path is the matched route template, never the raw URL.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orggov_http_requests_total",
			Help: "Total number of HTTP requests handled, by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orggov_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// DBOpenConnections tracks open connections in the pool. It is sampled every 30 seconds by
// StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "orggov_db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Outcome maps an error to the outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// ObserveJob records the duration of a job run that started at start.
func ObserveJob(job string, start time.Time, items int, err error) {
	JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	if items > 0 {
		JobItemsTotal.WithLabelValues(job).Add(float64(items))
	}
	if err != nil {
		JobErrorsTotal.WithLabelValues(job).Inc()
	}
}

// StartDBStatsCollector samples pool statistics every 30 seconds until the database becomes
// unreachable, which happens once the caller closes it on shutdown.
func StartDBStatsCollector(db *sqlx.DB) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	})
}
