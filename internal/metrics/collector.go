package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the instrument families for governance, ledger, and
// dispatch. Construct one per process and inject it; a nil *Collector is
// safe everywhere (all methods no-op).
type Collector struct {
	// Inference governance
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec
	throttleRetries    prometheus.Counter
	rateLimitTimeouts  prometheus.Counter

	// Spend ledger
	ledgerSpend   *prometheus.GaugeVec
	ledgerBlocked *prometheus.CounterVec

	// Action dispatch
	actionsPublished      *prometheus.CounterVec
	responsesReceived     *prometheus.CounterVec
	responsesDeadLettered prometheus.Counter
	queueDepth            prometheus.Gauge
	pollDuration          prometheus.Histogram
}

// NewCollector registers all instruments on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	c := &Collector{}

	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of inference requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Inference request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens consumed",
		},
		[]string{"direction"},
	)

	c.llmCost = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Accumulated inference cost in USD",
		},
		[]string{"stage"},
	)

	c.throttleRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_throttle_retries_total",
			Help:      "Application-level retries triggered by throttling errors",
		},
	)

	c.rateLimitTimeouts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_rate_limit_timeouts_total",
			Help:      "Requests rejected because the rate limiter starved past the timeout",
		},
	)

	c.ledgerSpend = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_spend_usd",
			Help:      "Accrued spend for the current UTC day",
		},
		[]string{"stage"},
	)

	c.ledgerBlocked = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_blocked_total",
			Help:      "Requests denied by the daily spend cap",
		},
		[]string{"stage"},
	)

	c.actionsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_published_total",
			Help:      "Action envelopes published to the bus",
		},
		[]string{"message_type"},
	)

	c.responsesReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_responses_received_total",
			Help:      "Action responses drained from the response queue",
		},
		[]string{"status"},
	)

	c.responsesDeadLettered = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_responses_dead_lettered_total",
			Help:      "Orphaned responses moved to the dead-letter stream",
		},
	)

	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "response_queue_depth",
			Help:      "Approximate backlog of the response queue",
		},
	)

	c.pollDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_poll_duration_seconds",
			Help:      "Time spent draining the response queue",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	return c
}

// RecordLLMRequest records one inference call outcome.
func (c *Collector) RecordLLMRequest(provider, model, status string, seconds float64) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordTokens records actual token consumption.
func (c *Collector) RecordTokens(inputTokens, outputTokens int) {
	if c == nil {
		return
	}
	c.llmTokensUsed.WithLabelValues("input").Add(float64(inputTokens))
	c.llmTokensUsed.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordCost adds reconciled cost for a stage.
func (c *Collector) RecordCost(stage string, usd float64) {
	if c == nil {
		return
	}
	c.llmCost.WithLabelValues(stage).Add(usd)
}

// RecordThrottleRetry counts one throttling-triggered retry.
func (c *Collector) RecordThrottleRetry() {
	if c == nil {
		return
	}
	c.throttleRetries.Inc()
}

// RecordRateLimitTimeout counts one bucket starvation.
func (c *Collector) RecordRateLimitTimeout() {
	if c == nil {
		return
	}
	c.rateLimitTimeouts.Inc()
}

// SetLedgerSpend publishes the current daily spend.
func (c *Collector) SetLedgerSpend(stage string, usd float64) {
	if c == nil {
		return
	}
	c.ledgerSpend.WithLabelValues(stage).Set(usd)
}

// RecordLedgerBlocked counts one spend-cap denial.
func (c *Collector) RecordLedgerBlocked(stage string) {
	if c == nil {
		return
	}
	c.ledgerBlocked.WithLabelValues(stage).Inc()
}

// RecordActionPublished counts one published action envelope.
func (c *Collector) RecordActionPublished(messageType string) {
	if c == nil {
		return
	}
	c.actionsPublished.WithLabelValues(messageType).Inc()
}

// RecordResponseReceived counts one drained response.
func (c *Collector) RecordResponseReceived(status string) {
	if c == nil {
		return
	}
	c.responsesReceived.WithLabelValues(status).Inc()
}

// RecordResponseDeadLettered counts one orphaned response moved out of the
// consumer group.
func (c *Collector) RecordResponseDeadLettered() {
	if c == nil {
		return
	}
	c.responsesDeadLettered.Inc()
}

// SetQueueDepth publishes the approximate response backlog.
func (c *Collector) SetQueueDepth(depth int64) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// ObservePollDuration records one drain window.
func (c *Collector) ObservePollDuration(seconds float64) {
	if c == nil {
		return
	}
	c.pollDuration.Observe(seconds)
}
