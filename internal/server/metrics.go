// Package server — metrics.go registers all Prometheus metrics for the HTTP
// server and exposes helpers used by handlers and middleware.
package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// chatRequestsTotal counts completed chat-completion requests,
	// partitioned by outcome: "ok", "stream_ok", or "error".
	chatRequestsTotal *prometheus.CounterVec

	// chatDurationSeconds records the wall-clock duration of each chat
	// completion from first byte received to response completion.
	chatDurationSeconds *prometheus.HistogramVec

	// chatActiveStreams is the number of SSE streams currently open.
	chatActiveStreams prometheus.Gauge

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, path, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) is used so that each call
// registers into the provided registry rather than the global default —
// this keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		chatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aigw",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total chat-completion requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		chatDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aigw",
			Subsystem: "chat",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of chat completions from receipt to response completion.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		chatActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aigw",
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Number of SSE chat streams currently open.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aigw",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the server, partitioned by method, path, and status code.",
		}, []string{"method", "path", "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aigw",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// observe records one completed request in the HTTP-level metrics.
func (m *serverMetrics) observe(method, path string, status int, elapsed time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDurationSeconds.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// chatDone records one completed chat request by outcome.
func (m *serverMetrics) chatDone(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.chatRequestsTotal.WithLabelValues(outcome).Inc()
	m.chatDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
