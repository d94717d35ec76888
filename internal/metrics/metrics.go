// Package metrics exposes Prometheus counters for summary runs and gateway calls.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	summaryRuns      *prometheus.CounterVec
	summaryDuration  prometheus.Histogram
	gatewayCalls     *prometheus.CounterVec
	gatewayDuration  prometheus.Histogram
	entriesGenerated prometheus.Counter
	wsClients        prometheus.Gauge
}

// New creates the metrics and registers them with registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		summaryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memtab_summary_runs_total",
			Help: "Summary runs by trigger and result",
		}, []string{"trigger", "result"}),
		summaryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memtab_summary_run_duration_seconds",
			Help:    "Wall time of completed summary runs",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memtab_gateway_calls_total",
			Help: "Completion gateway calls by result",
		}, []string{"result"}),
		gatewayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memtab_gateway_call_duration_seconds",
			Help:    "Round trip time of completion gateway calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		entriesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memtab_memory_entries_generated_total",
			Help: "Memory entries added to day states",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memtab_ws_clients_connected",
			Help: "Current number of connected websocket clients",
		}),
	}

	registry.MustRegister(
		m.summaryRuns,
		m.summaryDuration,
		m.gatewayCalls,
		m.gatewayDuration,
		m.entriesGenerated,
		m.wsClients,
	)
	return m
}

func (m *Metrics) RecordRun(trigger, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.summaryRuns.WithLabelValues(trigger, result).Inc()
	if result != "busy" && result != "skipped" {
		m.summaryDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) RecordGatewayCall(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(result).Inc()
	m.gatewayDuration.Observe(d.Seconds())
}

func (m *Metrics) EntriesGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entriesGenerated.Add(float64(n))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}
