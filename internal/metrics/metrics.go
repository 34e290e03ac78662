// Package metrics provides Prometheus instrumentation for the Middleman platform.
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
			Namespace: "middleman",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "middleman",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DealTransitionsTotal counts state machine transitions by action and result.
	DealTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "middleman",
			Name:      "deal_transitions_total",
			Help:      "Total deal state transitions by action and result.",
		},
		[]string{"action", "result"},
	)

	// ClaimAttemptsTotal counts claim attempts by outcome (won, lost, rejected).
	ClaimAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "middleman",
			Name:      "claim_attempts_total",
			Help:      "Total deal claim attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// SweepRunsTotal counts timeout sweeper executions.
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "middleman",
		Name:      "sweep_runs_total",
		Help:      "Total timeout sweep executions.",
	})

	// SweepTransitionsTotal counts forced transitions by kind.
	SweepTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "middleman",
			Name:      "sweep_transitions_total",
			Help:      "Total timeout-forced transitions by kind.",
		},
		[]string{"kind"},
	)

	// AdjudicationsTotal counts rulings by outcome and source (mediator, default, timeout).
	AdjudicationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "middleman",
			Name:      "adjudications_total",
			Help:      "Total dispute adjudications by ruling and source.",
		},
		[]string{"ruling", "source"},
	)

	// NotificationsTotal counts notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "middleman",
			Name:      "notifications_total",
			Help:      "Total notification deliveries by result.",
		},
		[]string{"result"},
	)

	// CustodyCallsTotal counts escrow executor calls by operation and result.
	CustodyCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "middleman",
			Name:      "custody_calls_total",
			Help:      "Total on-chain custody operations by op and result.",
		},
		[]string{"op", "result"},
	)

	// DealDuration observes time from deal funding to resolution.
	DealDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "middleman",
		Name:      "deal_duration_seconds",
		Help:      "Time from deal funding to terminal state in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DealTransitionsTotal,
		ClaimAttemptsTotal,
		SweepRunsTotal,
		SweepTransitionsTotal,
		AdjudicationsTotal,
		NotificationsTotal,
		CustodyCallsTotal,
		DealDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latencies for gin routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusClass(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and goroutine
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
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func statusClass(code int) string {
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
