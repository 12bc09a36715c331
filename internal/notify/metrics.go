package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultDelivered = "delivered"
	resultFailed    = "failed"
	resultDropped   = "dropped"
	resultStashed   = "stashed"
)

var (
	// notificationsTotal counts notification outcomes.
	// Labels: sink, result (delivered, failed, stashed, dropped)
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Total notifications by sink and result",
		},
		[]string{"sink", "result"},
	)

	// notificationBacklog counts episodes of a sink backlog exceeding the
	// configured queue size.
	notificationBacklog = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "notify",
			Name:      "backlog_overflows_total",
			Help:      "Times a sink backlog grew past the queue size",
		},
		[]string{"sink"},
	)

	// deliveryAttempts tracks attempts needed per delivered notification.
	deliveryAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conveyor",
			Subsystem: "notify",
			Name:      "delivery_attempts",
			Help:      "Attempts per notification delivery",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
		[]string{"sink"},
	)
)
