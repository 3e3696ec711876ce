// Package metrics provides the Prometheus counters/histograms/gauges
// SPEC_FULL.md §3 "Metrics series" names for the MCP core: tool
// execution counts and durations, and per-server health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a centralized, explicitly-constructed collector handed to
// the Manager and Secure Tool Wrapper (SPEC_FULL.md §4.0), rather than
// registered against Prometheus's global default registry: the original
// (and the teacher's own observability.Metrics) register with promauto
// against the process-wide default registry, which is fine for a
// single-instance binary but would panic on duplicate registration in
// tests that construct more than one Manager. Each Metrics owns its own
// *prometheus.Registry instead, following DESIGN NOTES' "Global mutable
// state ... rewritten as explicitly constructed objects handed to
// callers".
type Metrics struct {
	registry *prometheus.Registry

	// ToolExecutions counts tool invocations. Labels: tool, status
	// (success|error). Series: mcp_tool_executions_total.
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool. Series: mcp_tool_execution_duration_seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ServerHealth is 1 when a server is healthy, 0 otherwise. Labels:
	// server. Series: mcp_server_health.
	ServerHealth *prometheus.GaugeVec

	// ToolsCacheSize is the size of the last rebuilt tools cache.
	// Series: mcp_tools_cache_size.
	ToolsCacheSize prometheus.Gauge
}

// New constructs a Metrics backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ToolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_tool_executions_total",
				Help: "Total number of MCP tool invocations by tool and status.",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_tool_execution_duration_seconds",
				Help:    "Duration of MCP tool invocations in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		ServerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcp_server_health",
				Help: "1 if the MCP server is healthy, 0 otherwise.",
			},
			[]string{"server"},
		),
		ToolsCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcp_tools_cache_size",
				Help: "Number of tools in the last rebuilt Manager tools cache.",
			},
		),
	}
	reg.MustRegister(m.ToolExecutions, m.ToolExecutionDuration, m.ServerHealth, m.ToolsCacheSize)
	return m
}

// Registry exposes the backing registry for a caller that wants to serve
// /metrics (e.g. the CLI's own diagnostic server), without forcing every
// consumer through Prometheus's global default registry/handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordToolExecution records one tools/call outcome and its latency.
func (m *Metrics) RecordToolExecution(tool string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetServerHealth records one server's current health gauge.
func (m *Metrics) SetServerHealth(server string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.ServerHealth.WithLabelValues(server).Set(v)
}

// SetToolsCacheSize records the size of the last rebuilt tools cache.
func (m *Metrics) SetToolsCacheSize(n int) {
	m.ToolsCacheSize.Set(float64(n))
}
