package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the pipeline's Prometheus metrics.
//
// Tracked surfaces:
//   - session flushes (count by outcome, duration, batch size)
//   - LLM calls (count by outcome, duration)
//   - tool dispatches (count by tool and outcome)
//   - broker activity (publishes, handler retries, dead-letters)
//   - parts hydration misses
type Metrics struct {
	// FlushCounter counts completed flushes.
	// Labels: outcome (success|failed|noop)
	FlushCounter *prometheus.CounterVec

	// FlushDuration measures end-to-end flush latency in seconds.
	FlushDuration prometheus.Histogram

	// FlushBatchSize observes the number of messages claimed per flush.
	FlushBatchSize prometheus.Histogram

	// LLMRequestCounter counts LLM completions.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolCounter counts tool dispatches.
	// Labels: tool, status (success|rejected|error)
	ToolCounter *prometheus.CounterVec

	// PublishCounter counts broker publishes.
	// Labels: exchange, routing_key
	PublishCounter *prometheus.CounterVec

	// HandlerRetryCounter counts in-process handler retries.
	// Labels: queue
	HandlerRetryCounter *prometheus.CounterVec

	// DeadLetterCounter counts messages rejected without requeue.
	// Labels: queue
	DeadLetterCounter *prometheus.CounterVec

	// HydrationMissCounter counts messages whose parts blob could not be
	// loaded and were degraded to nil parts.
	HydrationMissCounter prometheus.Counter
}

// NewMetrics registers the metric set on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set on the given registerer. Tests
// pass a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FlushCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_flush_total",
			Help: "Completed session flushes by outcome.",
		}, []string{"outcome"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskweave_flush_duration_seconds",
			Help:    "End-to-end flush latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 96},
		}),
		FlushBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskweave_flush_batch_size",
			Help:    "Messages claimed per flush.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_llm_requests_total",
			Help: "LLM completion requests by model and status.",
		}, []string{"model", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskweave_llm_request_duration_seconds",
			Help:    "LLM completion latency by model.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		ToolCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_tool_dispatch_total",
			Help: "Agent tool dispatches by tool and status.",
		}, []string{"tool", "status"}),
		PublishCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_broker_publish_total",
			Help: "Broker publishes by exchange and routing key.",
		}, []string{"exchange", "routing_key"}),
		HandlerRetryCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_broker_handler_retries_total",
			Help: "In-process handler retries by queue.",
		}, []string{"queue"}),
		DeadLetterCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskweave_broker_dead_letter_total",
			Help: "Messages rejected without requeue by queue.",
		}, []string{"queue"}),
		HydrationMissCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskweave_parts_hydration_miss_total",
			Help: "Messages degraded to nil parts after a hydration failure.",
		}),
	}
}
