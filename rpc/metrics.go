package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes
const (
	OutcomeSuccess        = "success"
	OutcomeTimeout        = "timeout"
	OutcomeNotConnected   = "not_connected"
	OutcomeConnectionLost = "connection_lost"
	OutcomeRemoteError    = "remote_error"
	OutcomeError          = "error"
)

// Work item outcomes
const (
	WorkAcked      = "acked"
	WorkErrorReply = "error_reply"
	WorkRequeued   = "requeued"
	WorkRejected   = "rejected"
)

// MetricsCollector collects RPC metrics
type MetricsCollector interface {
	// RecordCall records a completed client call
	RecordCall(routingKey string, duration time.Duration, outcome string)

	// RecordOrphanReply records a reply that matched no pending call
	RecordOrphanReply()

	// RecordWorkItem records how a responder settled a work item
	RecordWorkItem(queue string, duration time.Duration, outcome string)

	// RecordConnection records the connection state of a component
	RecordConnection(component string, connected bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordCall does nothing
func (n *NoOpMetricsCollector) RecordCall(routingKey string, duration time.Duration, outcome string) {}

// RecordOrphanReply does nothing
func (n *NoOpMetricsCollector) RecordOrphanReply() {}

// RecordWorkItem does nothing
func (n *NoOpMetricsCollector) RecordWorkItem(queue string, duration time.Duration, outcome string) {}

// RecordConnection does nothing
func (n *NoOpMetricsCollector) RecordConnection(component string, connected bool) {}

// PrometheusMetrics exports RPC metrics to Prometheus
type PrometheusMetrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	orphans      prometheus.Counter
	workItems    *prometheus.CounterVec
	workDuration *prometheus.HistogramVec
	connected    *prometheus.GaugeVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_rpc_calls_total",
				Help: "Total number of RPC calls by routing key and outcome",
			},
			[]string{"routing_key", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mmate_rpc_call_duration_seconds",
				Help:    "RPC call duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"routing_key"},
		),
		orphans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mmate_rpc_orphan_replies_total",
				Help: "Replies discarded because no call was waiting for them",
			},
		),
		workItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmate_rpc_work_items_total",
				Help: "Work items settled by responders, by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		workDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mmate_rpc_work_item_duration_seconds",
				Help:    "Time from delivery to settlement in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"queue"},
		),
		connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mmate_rpc_connected",
				Help: "1 while the component holds a ready broker connection",
			},
			[]string{"component"},
		),
	}

	for _, c := range []prometheus.Collector{m.calls, m.callDuration, m.orphans, m.workItems, m.workDuration, m.connected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordCall implements MetricsCollector
func (m *PrometheusMetrics) RecordCall(routingKey string, duration time.Duration, outcome string) {
	m.calls.WithLabelValues(routingKey, outcome).Inc()
	m.callDuration.WithLabelValues(routingKey).Observe(duration.Seconds())
}

// RecordOrphanReply implements MetricsCollector
func (m *PrometheusMetrics) RecordOrphanReply() {
	m.orphans.Inc()
}

// RecordWorkItem implements MetricsCollector
func (m *PrometheusMetrics) RecordWorkItem(queue string, duration time.Duration, outcome string) {
	m.workItems.WithLabelValues(queue, outcome).Inc()
	m.workDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordConnection implements MetricsCollector
func (m *PrometheusMetrics) RecordConnection(component string, connected bool) {
	value := 0.0
	if connected {
		value = 1
	}
	m.connected.WithLabelValues(component).Set(value)
}

// connectionRecorder feeds supervisor state changes into a collector
type connectionRecorder struct {
	component string
	metrics   MetricsCollector
}

func (r *connectionRecorder) OnConnected() {
	r.metrics.RecordConnection(r.component, true)
}

func (r *connectionRecorder) OnDisconnected(error) {
	r.metrics.RecordConnection(r.component, false)
}

func (r *connectionRecorder) OnReconnecting(int) {}
