package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

var (
	// attemptsTotal counts collaborator attempts.
	// Labels: backend, result (success, failure, transient, cancelled)
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Total collaborator call attempts by result",
		},
		[]string{"backend", "result"},
	)

	// callDuration tracks wall time per call including retries.
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "executor",
			Name:      "call_duration_seconds",
			Help:      "Duration of collaborator calls including retries",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 1800},
		},
		[]string{"stage", "status"},
	)
)

func observeCall(stage pipeline.Stage, status pipeline.Status, d time.Duration) {
	callDuration.WithLabelValues(string(stage), string(status)).Observe(d.Seconds())
}
