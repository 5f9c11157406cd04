// Package observability provides Prometheus metrics for the Relay runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized metric set for the runtime.
type Metrics struct {
	// TurnCounter counts chat turns.
	// Labels: status (success|error)
	TurnCounter *prometheus.CounterVec

	// TurnIterations observes LLM round-trips per turn.
	TurnIterations prometheus.Histogram

	// ToolCallCounter counts tool invocations.
	// Labels: provider, status (success|error|blocked)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures adapter call latency in seconds.
	// Labels: provider
	ToolCallDuration *prometheus.HistogramVec

	// AdapterConnects counts adapter constructions and reconnects.
	// Labels: provider, kind (connect|reconnect)
	AdapterConnects *prometheus.CounterVec

	// SchedulerRuns counts scheduled job executions.
	// Labels: kind (once|recurring), status (completed|failed)
	SchedulerRuns *prometheus.CounterVec

	// CatalogTools is a gauge of tools known to the catalog.
	CatalogTools prometheus.Gauge
}

// NewMetrics creates and registers the metric set on a registry.
// Pass nil to register on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Chat turns processed",
		}, []string{"status"}),

		TurnIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_turn_iterations",
			Help:    "LLM round-trips per chat turn",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15},
		}),

		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_calls_total",
			Help: "Tool invocations by provider and outcome",
		}, []string{"provider", "status"}),

		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_call_duration_seconds",
			Help:    "Adapter call latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"provider"}),

		AdapterConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_adapter_connects_total",
			Help: "Adapter constructions and reconnects",
		}, []string{"provider", "kind"}),

		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_scheduler_runs_total",
			Help: "Scheduled job executions",
		}, []string{"kind", "status"}),

		CatalogTools: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_catalog_tools",
			Help: "Tools known to the catalog after the last refresh",
		}),
	}
}
