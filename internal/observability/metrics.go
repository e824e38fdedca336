package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for quicstunt endpoints.
//
// All Record methods are safe on a nil *Metrics so components can run
// without instrumentation.
type Metrics struct {
	// TLS configuration metrics
	TLSConfigsGenerated *prometheus.CounterVec
	TLSConfigRejections prometheus.Counter
	TLSConfigAttempts   prometheus.Histogram

	// Connection metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram
	HandlerFailuresTotal   *prometheus.CounterVec
	BytesTransferredTotal  *prometheus.CounterVec

	// Supervision metrics
	ReportsDroppedTotal   prometheus.Counter
	IdleWaitTimeoutsTotal prometheus.Counter
	AcceptThrottledTotal  prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		TLSConfigsGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stunt_tls_configs_generated_total",
				Help: "Randomized TLS configurations accepted by the engine",
			},
			[]string{"role"},
		),

		TLSConfigRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stunt_tls_config_rejections_total",
				Help: "Cipher suite samples rejected by the TLS engine",
			},
		),

		TLSConfigAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stunt_tls_config_attempts",
				Help:    "Suite samples drawn per generated configuration",
				Buckets: []float64{1, 2, 3, 5, 8, 16, 32, 64},
			},
		),

		QUICConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stunt_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stunt_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		QUICConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stunt_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),

		HandlerFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stunt_handler_failures_total",
				Help: "Connection tasks that ended in failure, by error kind",
			},
			[]string{"kind"},
		),

		BytesTransferredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stunt_bytes_transferred_total",
				Help: "Total stream bytes transferred",
			},
			[]string{"direction"},
		),

		ReportsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stunt_reports_dropped_total",
				Help: "Connection reports dropped because the channel was full",
			},
		),

		IdleWaitTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stunt_idle_wait_timeouts_total",
				Help: "Client shutdowns that gave up waiting for idle",
			},
		),

		AcceptThrottledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stunt_accept_throttled_total",
				Help: "Accepts delayed by the rate limiter",
			},
		),
	}

	return m
}

// RecordTLSConfig records an accepted configuration and its attempt count.
func (m *Metrics) RecordTLSConfig(role string, attempts int) {
	if m == nil {
		return
	}
	m.TLSConfigsGenerated.WithLabelValues(role).Inc()
	m.TLSConfigAttempts.Observe(float64(attempts))
}

// RecordTLSRejection counts one rejected suite sample.
func (m *Metrics) RecordTLSRejection() {
	if m == nil {
		return
	}
	m.TLSConfigRejections.Inc()
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(d time.Duration) {
	if m == nil {
		return
	}
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(d.Seconds())
}

// RecordHandlerFailure counts a failed connection task.
func (m *Metrics) RecordHandlerFailure(kind string) {
	if m == nil {
		return
	}
	m.HandlerFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordBytesSent adds to the sent byte counter.
func (m *Metrics) RecordBytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(n))
}

// RecordBytesReceived adds to the received byte counter.
func (m *Metrics) RecordBytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(n))
}

func (m *Metrics) RecordReportDropped() {
	if m == nil {
		return
	}
	m.ReportsDroppedTotal.Inc()
}

func (m *Metrics) RecordIdleWaitTimeout() {
	if m == nil {
		return
	}
	m.IdleWaitTimeoutsTotal.Inc()
}

func (m *Metrics) RecordAcceptThrottled() {
	if m == nil {
		return
	}
	m.AcceptThrottledTotal.Inc()
}

// Handler exposes the Prometheus metrics endpoint for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
