// Package telemetry holds the run's prometheus collectors and the tracing
// helpers. Collectors live on the default registry; the CLI serves them
// when asked to.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdloop_steps_total",
		Help: "Integration steps completed",
	})

	ReductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdloop_global_reductions_total",
		Help: "Global reductions by kind",
	}, []string{"kind"})

	RepartitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdloop_repartitions_total",
		Help: "Repartitions by reason",
	}, []string{"reason"})

	BufferReinitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdloop_device_buffer_reinits_total",
		Help: "Accelerator buffer reinitializations",
	})

	CheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdloop_checkpoints_written_total",
		Help: "Checkpoints written",
	})

	ReplexAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdloop_replica_exchange_attempts_total",
		Help: "Replica exchange rounds attempted",
	})

	ReplexAcceptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdloop_replica_exchange_accepts_total",
		Help: "Replica exchange rounds in which this replica swapped",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mdloop_step_duration_seconds",
		Help:    "Wall time per integration step",
		Buckets: []float64{1e-5, 1e-4, 5e-4, 1e-3, 5e-3, 0.01, 0.05, 0.1, 0.5, 1},
	})

	LoadBalanceState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdloop_pme_load_balance_state",
		Help: "Long-range load balancing state (0 inactive, 1 tuning, 2 converged)",
	})
)
