package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrumentation for the delivery pipeline.
type Metrics struct {
	// InboundMessages counts accepted inbound messages.
	// Labels: channel (telegram|discord|slack)
	InboundMessages *prometheus.CounterVec

	// DuplicateMessages counts inbound messages suppressed by the dedup cache.
	// Labels: channel
	DuplicateMessages *prometheus.CounterVec

	// QueueDepth tracks buffered prompts per session lane.
	// Labels: session_key
	QueueDepth *prometheus.GaugeVec

	// RunsStarted counts agent runs by how they were triggered.
	// Labels: trigger (event|debounce|followup|interrupt)
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts completed runs by outcome.
	// Labels: outcome (success|timeout|aborted|context_overflow|provider)
	RunsFinished *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Labels: provider, model
	RunDuration *prometheus.HistogramVec

	// RepliesDelivered counts delivered replies.
	// Labels: channel, kind (tool|block|final)
	RepliesDelivered *prometheus.CounterVec

	// DeliveryFailures counts reply deliveries that errored.
	// Labels: channel, kind
	DeliveryFailures *prometheus.CounterVec

	// ReconnectAttempts counts channel reconnect attempts.
	// Labels: channel
	ReconnectAttempts *prometheus.CounterVec

	// ActiveRuns tracks in-flight runs.
	ActiveRuns prometheus.Gauge
}

// NewMetrics registers the pipeline metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the pipeline metrics with reg. Tests pass a fresh
// registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_inbound_messages_total",
				Help: "Inbound messages accepted for processing, by channel",
			},
			[]string{"channel"},
		),
		DuplicateMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_duplicate_messages_total",
				Help: "Inbound messages suppressed as redelivered duplicates",
			},
			[]string{"channel"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_queue_depth",
				Help: "Buffered prompts per session lane",
			},
			[]string{"session_key"},
		),
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_runs_started_total",
				Help: "Agent runs started, by trigger",
			},
			[]string{"trigger"},
		),
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_runs_finished_total",
				Help: "Agent runs finished, by outcome",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_run_duration_seconds",
				Help:    "Agent run wall time in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		RepliesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_replies_delivered_total",
				Help: "Replies delivered to channels, by kind",
			},
			[]string{"channel", "kind"},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_delivery_failures_total",
				Help: "Reply deliveries that returned an error",
			},
			[]string{"channel", "kind"},
		),
		ReconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_reconnect_attempts_total",
				Help: "Channel reconnect attempts",
			},
			[]string{"channel"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_active_runs",
				Help: "Agent runs currently in flight",
			},
		),
	}
}
