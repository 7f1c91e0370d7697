package rpc

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	m.RecordCall("orchestrator", 120*time.Millisecond, OutcomeSuccess)
	m.RecordCall("orchestrator", time.Second, OutcomeTimeout)
	m.RecordCall("orchestrator", time.Second, OutcomeTimeout)
	m.RecordOrphanReply()
	m.RecordWorkItem("language-generator", 2*time.Second, WorkAcked)
	m.RecordWorkItem("language-generator", time.Millisecond, WorkRequeued)
	m.RecordConnection("rpc-client", true)
	m.RecordConnection("rpc-responder", true)
	m.RecordConnection("rpc-responder", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("orchestrator", OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("orchestrator", OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orphans))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workItems.WithLabelValues("language-generator", WorkRequeued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("rpc-client")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected.WithLabelValues("rpc-responder")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.callDuration), "one series per routing key")

	t.Run("registering twice fails", func(t *testing.T) {
		_, err := NewPrometheusMetrics(reg)
		assert.Error(t, err)
	})
}

func TestNoOpMetricsCollector(t *testing.T) {
	var m MetricsCollector = &NoOpMetricsCollector{}
	assert.NotPanics(t, func() {
		m.RecordCall("q", time.Second, OutcomeSuccess)
		m.RecordOrphanReply()
		m.RecordWorkItem("q", time.Second, WorkAcked)
		m.RecordConnection("c", true)
	})
}

func TestConnectionRecorder(t *testing.T) {
	m := newRecordingMetrics()
	r := &connectionRecorder{component: "rpc-client", metrics: m}

	r.OnConnected()
	assert.True(t, m.connects["rpc-client"])
	r.OnReconnecting(1)
	assert.True(t, m.connects["rpc-client"])
	r.OnDisconnected(nil)
	assert.False(t, m.connects["rpc-client"])
}
