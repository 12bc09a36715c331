package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsStarted counts runs created by trigger kind.
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "runs_started_total",
			Help:      "Total pipeline runs started by trigger kind",
		},
		[]string{"trigger"},
	)

	// runsFinished counts runs reaching a terminal status.
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "runs_finished_total",
			Help:      "Total pipeline runs finished by status",
		},
		[]string{"status"},
	)

	// activeRuns is the number of runs driven by this process.
	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "active_runs",
			Help:      "Runs currently in flight",
		},
	)

	// stageDuration tracks stage wall time from start to aggregate.
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
		},
		[]string{"stage", "status"},
	)

	// gateWaits counts gate evaluations that parked a run.
	gateWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "pipeline",
			Name:      "gate_waits_total",
			Help:      "Gate evaluations that parked a run",
		},
		[]string{"stage"},
	)
)
