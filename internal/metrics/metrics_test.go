package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRun("manual", "ok", time.Second)
	m.RecordGatewayCall("ok", time.Second)
	m.EntriesGenerated(1)
	m.ClientConnected()
	m.ClientDisconnected()
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterWithLabels(f *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range f.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRun("manual", "ok", 2*time.Second)
	m.RecordRun("scheduled", "ok", time.Second)
	m.RecordRun("manual", "busy", 0)
	m.RecordGatewayCall("error", 500*time.Millisecond)
	m.EntriesGenerated(1)
	m.EntriesGenerated(0)
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()

	families := gather(t, reg)

	runs := families["memtab_summary_runs_total"]
	require.NotNil(t, runs)
	assert.Equal(t, 1.0, counterWithLabels(runs, map[string]string{"trigger": "manual", "result": "ok"}))
	assert.Equal(t, 1.0, counterWithLabels(runs, map[string]string{"trigger": "manual", "result": "busy"}))

	assert.Equal(t, uint64(2), families["memtab_summary_run_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 1.0, counterWithLabels(families["memtab_gateway_calls_total"], map[string]string{"result": "error"}))
	assert.Equal(t, 1.0, families["memtab_memory_entries_generated_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["memtab_ws_clients_connected"].GetMetric()[0].GetGauge().GetValue())
}
