// Package metrics provides Prometheus instrumentation for the platform.
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
			Namespace: "vtucore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vtucore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PurchasesTotal counts purchase attempts by terminal status.
	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtucore",
			Name:      "purchases_total",
			Help:      "Total purchase attempts by terminal status.",
		},
		[]string{"status"},
	)

	// FundingCreditsTotal counts funding webhook credits by result.
	FundingCreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtucore",
			Name:      "funding_credits_total",
			Help:      "Total funding credits by result (applied, duplicate, rejected).",
		},
		[]string{"result"},
	)

	// ProviderRequestDuration observes fulfillment provider call latency.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vtucore",
			Name:      "provider_request_duration_seconds",
			Help:      "Fulfillment provider request duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"provider", "outcome"},
	)

	// LedgerWriteConflictsTotal counts serialization conflicts retried by the ledger.
	LedgerWriteConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vtucore",
		Name:      "ledger_write_conflicts_total",
		Help:      "Total ledger write conflicts detected and retried.",
	})

	// AuditWriteFailuresTotal counts transaction-record writes that failed after
	// a successful balance mutation.
	AuditWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vtucore",
		Name:      "audit_write_failures_total",
		Help:      "Total audit record writes that failed after a committed balance mutation.",
	})

	// AlertsSentTotal counts error-report notifications by result.
	AlertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vtucore",
			Name:      "alerts_sent_total",
			Help:      "Total error-report notifications by result.",
		},
		[]string{"result"},
	)

	// ActiveFeedClients tracks connected WebSocket feed clients.
	ActiveFeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vtucore",
			Name:      "active_feed_clients",
			Help:      "Number of currently connected WebSocket feed clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vtucore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vtucore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vtucore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vtucore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PurchasesTotal,
		FundingCreditsTotal,
		ProviderRequestDuration,
		LedgerWriteConflictsTotal,
		AuditWriteFailuresTotal,
		AlertsSentTotal,
		ActiveFeedClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
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
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
