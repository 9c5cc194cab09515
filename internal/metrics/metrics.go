// Package metrics provides Prometheus instrumentation for the settlement core.
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
	// HTTPRequestsTotal counts HTTP requests by method, path pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts order state transitions by target status.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "order_transitions_total",
			Help:      "Total order state transitions by target status.",
		},
		[]string{"to"},
	)

	// OrdersCreatedTotal counts orders created by direction.
	OrdersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "orders_created_total",
			Help:      "Total orders created by direction.",
		},
		[]string{"direction"},
	)

	// EscrowOpsTotal counts escrow lock/release/refund operations by result.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrow_ops_total",
			Help:      "Total escrow operations by op and result.",
		},
		[]string{"op", "result"},
	)

	// OutboxDeliveriesTotal counts outbox deliveries by result.
	OutboxDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "outbox_deliveries_total",
			Help:      "Total outbox notification deliveries by result.",
		},
		[]string{"result"},
	)

	// CorridorMatchesTotal counts corridor LP matches by result.
	CorridorMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "corridor_matches_total",
			Help:      "Total corridor LP match attempts by result.",
		},
		[]string{"result"},
	)

	// CorridorTimeoutsTotal counts corridor fulfillments refunded on timeout.
	CorridorTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "corridor_timeouts_total",
		Help:      "Total corridor fulfillments failed and refunded on send-deadline timeout.",
	})

	// ConversionsTotal counts synthetic conversions by direction and result.
	ConversionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "conversions_total",
			Help:      "Total USDT/sAED conversions by direction and result.",
		},
		[]string{"direction", "result"},
	)

	// BatchFlushDuration observes batch writer flush latency.
	BatchFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "batch_flush_duration_seconds",
		Help:      "Batch writer flush duration in seconds.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BatchFlushRows observes rows per batch flush by buffer.
	BatchFlushRows = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "batch_flush_rows",
		Help:      "Rows written per batch flush by buffer.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"buffer"})

	// ExpirySweepsTotal counts orders handled by the expiry worker by outcome.
	ExpirySweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "expiry_sweeps_total",
			Help:      "Total stale orders expired, cancelled or disputed by the expiry worker.",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected subscription fabric clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// InvariantFailuresTotal counts post-commit invariant check failures.
	InvariantFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "invariant_failures_total",
			Help:      "Total post-commit invariant verification failures by code.",
		},
		[]string{"code"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		OrdersCreatedTotal,
		EscrowOpsTotal,
		OutboxDeliveriesTotal,
		CorridorMatchesTotal,
		CorridorTimeoutsTotal,
		ConversionsTotal,
		BatchFlushDuration,
		BatchFlushRows,
		ExpirySweepsTotal,
		ActiveWebSocketClients,
		InvariantFailuresTotal,
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
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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
