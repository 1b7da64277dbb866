// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookEventsTotal counts gateway webhook deliveries by type and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "webhook_events_total",
			Help:      "Gateway webhook deliveries by event type and processing outcome.",
		},
		[]string{"type", "outcome"},
	)

	// ReleasesTotal counts escrow releases by trigger (manual, auto, dispute).
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "releases_total",
			Help:      "Escrow releases by trigger.",
		},
		[]string{"trigger"},
	)

	// DisputesOpenedTotal counts disputes raised.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "disputes_opened_total",
		Help:      "Total disputes raised.",
	})

	// DisputesResolvedTotal counts dispute resolutions by kind.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "disputes_resolved_total",
			Help:      "Dispute resolutions by resolution kind.",
		},
		[]string{"resolution"},
	)

	// SchedulerScannedTotal counts payments scanned by the auto-release tick.
	SchedulerScannedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "scheduler_scanned_total",
		Help:      "Payments scanned by the auto-release scheduler.",
	})

	// SchedulerReleasedTotal counts payments released by the scheduler.
	SchedulerReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "scheduler_released_total",
		Help:      "Payments auto-released by the scheduler.",
	})

	// SchedulerFailedTotal counts per-payment release failures in scheduler ticks.
	SchedulerFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "scheduler_failed_total",
		Help:      "Auto-release attempts that failed and were skipped.",
	})

	// ReconciliationAlertsTotal counts refund-confirmation mismatches flagged
	// for manual review.
	ReconciliationAlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "reconciliation_alerts_total",
		Help:      "Refund confirmations whose amount did not match the ledger.",
	})

	// NotifyDeliveriesTotal counts outbound notification attempts by result.
	NotifyDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "notify_deliveries_total",
			Help:      "Outbound transition notifications by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookEventsTotal,
		ReleasesTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		SchedulerScannedTotal,
		SchedulerReleasedTotal,
		SchedulerFailedTotal,
		ReconciliationAlertsTotal,
		NotifyDeliveriesTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the runtime
// goroutine count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path, to bound cardinality
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
