package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	watchEventsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_watch_events_total",
			Help: "Total change events dispatched to watcher hooks by kind and event type.",
		},
		[]string{"kind", "type"},
	)
	watchRestartsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_watch_restarts_total",
			Help: "Total watch streams re-opened after the previous stream ended.",
		},
		[]string{"kind"},
	)
	watchErrorsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_watch_errors_total",
			Help: "Total errors reported to watcher error hooks.",
		},
		[]string{"kind"},
	)
)
