package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orders accepted or rejected at the gateway.
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Orders received by the gateway, by result.",
		},
		[]string{"result"}, // accepted | invalid | enqueue_failed
	)

	// Job outcomes as decided by the worker pool.
	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_jobs_total",
			Help: "Processed order jobs by outcome.",
		},
		[]string{"outcome"}, // filled | failed | retried | dead_lettered | skipped | released
	)

	// Duration of calls to the execution venue.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of external execution calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms → ~20s
		},
		[]string{"result"},
	)

	// Status events by delivery path.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_status_events_total",
			Help: "Status events published, by status.",
		},
		[]string{"status"},
	)

	// Events a subscriber buffer had to discard or reject.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_status_events_dropped_total",
			Help: "Status events dropped at a subscriber, by overflow policy.",
		},
		[]string{"policy"},
	)

	LiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "order_subscriptions_live",
			Help: "Currently attached status subscriptions.",
		},
	)

	// Tracks NATS messages processed by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	ReconciledOrders = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_reconciled_total",
			Help: "Orphaned orders moved to failed by the reconciler.",
		},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_stream_errors_total",
			Help: "Count of service-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Gauges the last reconciler pass (seconds since epoch).
	LastReconcileTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orders_last_reconcile_timestamp",
			Help: "Timestamp (unix seconds) of the last completed reconciler pass.",
		},
	)
)

// ObserveDuration records the time taken since start on a histogram.
func ObserveDuration(v *prometheus.HistogramVec, start time.Time, labels ...string) {
	v.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}

func IncSubmitted(result string) {
	OrdersSubmitted.WithLabelValues(result).Inc()
}

func IncJobOutcome(outcome string) {
	JobOutcomes.WithLabelValues(outcome).Inc()
}

func IncEvent(status string) {
	EventsPublished.WithLabelValues(status).Inc()
}

func IncDropped(policy string) {
	EventsDropped.WithLabelValues(policy).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastReconcile(t time.Time) {
	LastReconcileTimestamp.Set(float64(t.Unix()))
}
