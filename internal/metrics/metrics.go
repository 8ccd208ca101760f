// Package metrics exposes Prometheus instrumentation for the settlement engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stakehouse"

var (
	// HTTPRequests counts HTTP requests by method, path and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration tracks HTTP request latency.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowLocks counts escrow lock attempts by result.
	EscrowLocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_locks_total",
			Help:      "Escrow lock attempts",
		},
		[]string{"result"},
	)

	// Settlements counts completed settlements by outcome.
	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Completed settlements",
		},
		[]string{"outcome"},
	)

	// HouseTopUps counts automatic house wallet refills during lock.
	HouseTopUps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "house_topups_total",
			Help:      "Automatic house wallet top-ups",
		},
	)

	// ChainCalls counts on-chain operations by op and result.
	ChainCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_calls_total",
			Help:      "On-chain token operations",
		},
		[]string{"op", "result"},
	)

	// EscrowLocked gauges the number of currently locked escrows.
	EscrowLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escrow_locked",
			Help:      "Currently locked escrows",
		},
	)

	// WebSocketClients gauges connected event stream subscribers.
	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequests,
		HTTPDuration,
		EscrowLocks,
		Settlements,
		HouseTopUps,
		ChainCalls,
		EscrowLocked,
		WebSocketClients,
	)
}

// Middleware records request counts and latency for gin handlers.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
