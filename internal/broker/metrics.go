package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	outcomeAck    = "ack"
	outcomeNack   = "nack"
	outcomeReject = "reject"
)

var (
	messagesTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_messages_total",
			Help: "Total consumed messages by queue and acknowledgement outcome.",
		},
		[]string{"queue", "outcome"},
	)
	messageHandleDuration = promauto.With(ctrlmetrics.Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reactor_message_handle_duration_seconds",
			Help:    "Time spent decoding and handling one message.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"queue"},
	)
	messagesPublishedTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_messages_published_total",
			Help: "Total publish attempts by publisher and status.",
		},
		[]string{"publisher", "status"},
	)
)
