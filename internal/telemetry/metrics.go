// Package telemetry provides observability primitives for the Heimdall gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamErrors   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	UsageQueueLength prometheus.Gauge
	LogsSwept        prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"kind", "status"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "usage_queue_length",
			Help:      "Current number of queued accounting records.",
		}),

		LogsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "logs_swept_total",
			Help:      "Total request log rows removed by the retention sweeper.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamErrors,
		m.TokensProcessed,
		m.UsageQueueLength,
		m.LogsSwept,
	)

	return m
}
