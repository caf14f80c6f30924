package controlplane

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names and the promauto package-var shape follow the corpus's
// metrics.go (Will-Luck-Docker-Sentinel/internal/metrics): counters for
// the domain events the control plane itself causes plus gauges for
// registered agents and open trace streams, not generic HTTP request
// instrumentation.
var (
	agentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_agents_registered",
		Help: "Number of agents currently registered with the control plane.",
	})
	sendsInjectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_control_plane_sends_injected_total",
		Help: "Total number of message Triggers injected via POST /agents/{id}/send, by outcome.",
	}, []string{"outcome"})
	ticksInjectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_control_plane_ticks_injected_total",
		Help: "Total number of manual Triggers injected via POST /agents/{id}/tick, by outcome.",
	}, []string{"outcome"})
	traceSubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentcore_control_plane_trace_subscribers",
		Help: "Number of currently open /agents/{id}/logs/trace SSE connections.",
	})
)
