package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages added to a subscription's delivery queue
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_messages_enqueued_total",
			Help: "Total number of messages added to delivery queues",
		},
		[]string{"kind"},
	)

	// Messages the transport accepted
	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_messages_delivered_total",
			Help: "Total number of messages handed to the transport successfully",
		},
	)

	// Transport failures, each one aborts a delivery pass
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_delivery_failures_total",
			Help: "Total number of failed delivery attempts",
		},
	)

	// Delivered but not confirmed, will be delivered again
	ConfirmFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_confirm_failures_total",
			Help: "Total number of delivery confirmations that failed",
		},
	)

	// Messages dropped after exhausting their attempts
	MessagesDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_messages_dead_lettered_total",
			Help: "Total number of messages dead-lettered after too many failures",
		},
	)

	// Messages dropped because they expired, in queues and in the store
	MessagesExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_messages_expired_total",
			Help: "Total number of expired messages dropped",
		},
		[]string{"where"},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_active_subscriptions",
			Help: "Number of subscriptions with a running delivery task",
		},
	)

	// Delivery pass duration
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_delivery_pass_duration_seconds",
			Help:    "Time taken by one delivery pass over a subscription's queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Delivery tasks that exited because of a fault in the loop itself
	TaskFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_delivery_task_faults_total",
			Help: "Total number of delivery tasks terminated by an unexpected fault",
		},
	)

	// Sweeper run duration
	SweeperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_sweeper_duration_seconds",
			Help:    "Time taken for sweeper to process messages",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper errors counter
	SweeperErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_sweeper_errors_total",
			Help: "Total number of sweeper errors",
		},
	)
)
