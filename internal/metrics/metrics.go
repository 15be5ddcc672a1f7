// Package metrics exposes the daemon's prometheus collectors. They are
// registered with the default registry and served on the admin /metrics
// endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_appended_total",
		Help: "Messages appended to conversation ledgers.",
	})

	RecordsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_delivery_records_created_total",
		Help: "Per-recipient delivery records created by fanout.",
	})

	DeliveryEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_delivery_events_total",
		Help: "Delivery events recorded, by event and outcome.",
	}, []string{"event", "outcome"})

	DeliveryRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_delivery_events_rejected_total",
		Help: "Transport acknowledgements discarded at the callback boundary.",
	}, []string{"reason"})

	DispatchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_dispatch_attempts_total",
		Help: "Transport handoffs, by result.",
	}, []string{"result"})

	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_dispatch_duration_seconds",
		Help:    "Time spent handing a message to the transport.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	RecoveryActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_recovery_actions_total",
		Help: "Actions taken by the recovery sweeper.",
	}, []string{"action"})

	RollupNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_rollup_notifications_total",
		Help: "Rollup status updates considered for publication, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		MessagesAppended,
		RecordsCreated,
		DeliveryEvents,
		DeliveryRejected,
		DispatchAttempts,
		DispatchDuration,
		RecoveryActions,
		RollupNotifications,
	)
}
