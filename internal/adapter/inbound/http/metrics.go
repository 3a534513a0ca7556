package http

import (
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "orgbridge"

// Metrics holds all Prometheus metrics of the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveStreams    prometheus.Gauge
	ToolCallsTotal   *prometheus.CounterVec
	RateLimitedTotal *prometheus.CounterVec
	AuditDropsTotal  *prometheus.CounterVec
	AuditWriteErrors prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "Number of open event streams",
			},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tool_calls_total",
				Help:      "Total tool invocations by outcome",
			},
			[]string{"tool", "outcome"},
		),
		RateLimitedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by a rate limit",
			},
			[]string{"action"},
		),
		AuditDropsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_drops_total",
				Help:      "Audit events dropped due to backpressure, by event kind",
			},
			[]string{"kind"},
		),
		AuditWriteErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_write_errors_total",
				Help:      "Audit events lost because the store refused their batch",
			},
		),
	}
}

// RecordAuditDrop counts one dropped audit event of the given kind.
func (m *Metrics) RecordAuditDrop(kind audit.Kind) {
	m.AuditDropsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordAuditWriteError counts events lost to a failed store write.
func (m *Metrics) RecordAuditWriteError(lost int) {
	m.AuditWriteErrors.Add(float64(lost))
}
