package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors. Registered once via promauto; exported so the
// components they instrument increment them directly.
var (
	// Ingestion pipeline
	MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_messages_enqueued_total",
		Help: "Buffered messages accepted onto the ingestion queue",
	})
	PipelineProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_pipeline_processed_total",
		Help: "Buffered messages successfully persisted by the worker",
	})
	PipelineRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_pipeline_retries_total",
		Help: "Buffered messages re-enqueued after a processing failure",
	})
	PipelineDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_pipeline_dead_lettered_total",
		Help: "Buffered messages routed to the dead-letter queue",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vanish_queue_depth",
		Help: "Current length of the ingestion queue",
	})
	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vanish_dead_letter_depth",
		Help: "Current length of the dead-letter queue",
	})

	// Push channel hub
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vanish_hub_connections",
		Help: "Open push channel connections",
	})
	HubEventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_hub_events_sent_total",
		Help: "Events written to push channel outboxes",
	})
	HubEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_hub_events_dropped_total",
		Help: "Events dropped from full per-connection outboxes (drop-oldest)",
	})

	// Vendor push bridge
	PushSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vanish_push_sent_total",
		Help: "Vendor push notifications dispatched, by kind",
	}, []string{"kind"})
	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_push_failures_total",
		Help: "Vendor push dispatches that failed",
	})
	PushTokensDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_push_tokens_deactivated_total",
		Help: "Device tokens deactivated after gateway rejection",
	})

	// Sweeper
	SweeperRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_sweeper_runs_total",
		Help: "Completed sweep cycles",
	})
	SweeperErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vanish_sweeper_errors_total",
		Help: "Sweep steps that failed, by step",
	}, []string{"step"})
	ConversationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_conversations_expired_total",
		Help: "Conversations transitioned ACTIVE to EXPIRED by the sweeper",
	})

	// HTTP surface
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vanish_http_request_duration_seconds",
		Help:    "Wall-clock duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// Async task pool
	TasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_tasks_dropped_total",
		Help: "Background tasks dropped because the pool queue was full",
	})
)
