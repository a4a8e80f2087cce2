package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "outbox",
		Name:      "events_enqueued_total",
		Help:      "Number of retention events written to the outbox, labeled by event type.",
	}, []string{"event_type"})

	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of outbox events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Number of outbox events that failed to publish and were routed to the DLQ.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "retention_service",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Number of outbox events routed to the dead-letter queue, labeled by topic.",
	}, []string{"topic"})

	dlqRequeuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "dlq",
		Name:      "messages_requeued_total",
		Help:      "Number of DLQ entries reinserted into the outbox.",
	}, []string{"topic", "event_type"})

	dlqQuarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "dlq",
		Name:      "messages_quarantined_total",
		Help:      "Number of DLQ entries quarantined after exhausting retries.",
	}, []string{"topic", "event_type"})

	dlqRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "dlq",
		Name:      "retry_scheduled_total",
		Help:      "Number of times a DLQ entry was scheduled for a later retry.",
	}, []string{"topic", "event_type"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retention_service",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Current number of DLQ entries awaiting replay.",
	})
)

func init() {
	prometheus.MustRegister(
		enqueuedCounter, deliveredCounter, failedCounter, batchDuration, dlqCounter,
		dlqRequeuedCounter, dlqQuarantinedCounter, dlqRetryCounter, dlqBacklogGauge,
	)
}
