package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn throughput and latency per user
//   - Tool dispatch volume and failure rates
//   - Toolset activation failures by reason
//   - Live session counts for capacity planning
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: outcome (complete|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	// Buckets: 0.1s .. 120s
	TurnDuration prometheus.Histogram

	// ToolDispatchCounter counts dispatched tool calls.
	// Labels: function, status (success|error)
	ToolDispatchCounter *prometheus.CounterVec

	// ActivationFailures counts toolset activation failures.
	// Labels: reason
	ActivationFailures *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current live sessions.
	ActiveSessions prometheus.Gauge

	// EventsDropped counts outbound events dropped because no transport
	// was bound or the send queue was full.
	EventsDropped prometheus.Counter
}

// NewMetrics creates and registers all collectors with the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_turns_total",
			Help: "Completed interaction turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_turn_duration_seconds",
			Help:    "Wall-clock duration of one interaction turn.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		ToolDispatchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_dispatch_total",
			Help: "Dispatched tool calls by function and status.",
		}, []string{"function", "status"}),
		ActivationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_activation_failures_total",
			Help: "Toolset activation failures by reason.",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_sessions_active",
			Help: "Currently live realtime sessions.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_events_dropped_total",
			Help: "Outbound events dropped by best-effort delivery.",
		}),
	}
}
