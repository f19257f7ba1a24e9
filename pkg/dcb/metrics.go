package dcb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcb_appends_total",
		Help: "the number of append transactions that committed",
	})
	appendedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcb_appended_events_total",
		Help: "the number of events committed across all appends",
	})
	appendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcb_append_conflicts_total",
		Help: "the number of conditional appends rejected on the consistency boundary",
	})
	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dcb_append_duration_seconds",
		Help:    "the length of time it took to commit an append transaction",
		Buckets: prometheus.DefBuckets,
	})

	notificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcb_notifications_total",
		Help: "the number of insert notifications received by the listener",
	})
	listenerReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcb_listener_reconnects_total",
		Help: "the number of times the notification listener re-established its connection",
	})

	projectionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcb_projection_events_total",
		Help: "the number of events applied per projection",
	}, []string{"projection"})
	projectionRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcb_projection_retries_total",
		Help: "the number of handler retries per projection",
	}, []string{"projection"})
	projectionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcb_projection_errors_total",
		Help: "the number of times a projection entered the error state",
	}, []string{"projection"})
	projectionPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dcb_projection_position",
		Help: "the position of the last event processed per projection",
	}, []string{"projection"})
)
