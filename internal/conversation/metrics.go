package conversation

import "github.com/prometheus/client_golang/prometheus"

var turnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "healthsched",
		Subsystem: "conversation",
		Name:      "turns_total",
		Help:      "Completed conversation turns by outcome",
	},
	[]string{"outcome"},
)

var turnDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "healthsched",
		Subsystem: "conversation",
		Name:      "turn_duration_seconds",
		Help:      "Wall time of one conversation turn including all planner iterations",
		Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60},
	},
)

var toolInvocationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "healthsched",
		Subsystem: "conversation",
		Name:      "tool_invocations_total",
		Help:      "Tool executions by tool name and result status",
	},
	[]string{"tool", "status"},
)

var plannerIterations = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "healthsched",
		Subsystem: "conversation",
		Name:      "planner_iterations",
		Help:      "Planner calls needed to finish one turn",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
	},
)

func init() {
	prometheus.MustRegister(turnsTotal)
	prometheus.MustRegister(turnDuration)
	prometheus.MustRegister(toolInvocationsTotal)
	prometheus.MustRegister(plannerIterations)
}

// RegisterMetrics registers conversation metrics with a custom registry.
// Use this when exposing a non-default registry.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil || reg == prometheus.DefaultRegisterer {
		return
	}
	reg.MustRegister(turnsTotal, turnDuration, toolInvocationsTotal, plannerIterations)
}
