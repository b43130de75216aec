package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateline_transitions_total",
			Help: "Total number of transition executions by outcome",
		},
		[]string{"pipeline", "transition", "outcome"},
	)

	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stateline_transition_duration_seconds",
			Help:    "Transition execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"pipeline"},
	)

	ActionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateline_action_failures_total",
			Help: "Total number of failed transition actions by kind and policy",
		},
		[]string{"kind", "policy"},
	)

	EnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateline_enrollments_total",
			Help: "Total number of entities enrolled into pipelines",
		},
		[]string{"pipeline"},
	)

	StaleEntities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stateline_stale_entities",
			Help: "Entities whose time in their current state exceeds the threshold",
		},
		[]string{"pipeline", "state"},
	)

	DispatchesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stateline_dispatches_relayed_total",
			Help: "Async action dispatches relayed to the broker by result",
		},
		[]string{"result"},
	)
)
