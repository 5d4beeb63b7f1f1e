package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal      *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	throttleTotal      *prometheus.CounterVec
	queueWaitTime      *prometheus.HistogramVec
	attemptsTotal      *prometheus.CounterVec
	fallbacksTotal     *prometheus.CounterVec
	healingsTotal      *prometheus.CounterVec
	turnsTotal         *prometheus.CounterVec
	turnAttempts       *prometheus.HistogramVec
	turnDuration       *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors with reg. A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of model invocations by model, scope, status and error type",
			},
			[]string{"model", "scope", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Estimated tokens sent to and received from the model",
			},
			[]string{"model", "scope", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of model invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "scope"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_throttle_total",
				Help: "Total number of client-side throttling events",
			},
			[]string{"model", "reason"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_queue_wait_duration_seconds",
				Help:    "Time spent waiting for rate limit availability",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_attempts_total",
				Help: "Orchestrated attempts by outcome category",
			},
			[]string{"scope", "outcome"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_tool_choice_fallbacks_total",
				Help: "Tool-choice relaxations applied between attempts",
			},
			[]string{"scope", "from", "to"},
		),
		healingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_healings_total",
				Help: "Corrective messages appended between attempts by kind",
			},
			[]string{"scope", "kind"},
		),
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_turns_total",
				Help: "Finished turns by outcome",
			},
			[]string{"scope", "outcome"},
		),
		turnAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamguard_turn_attempts",
				Help:    "Attempts used per turn",
				Buckets: []float64{1, 2, 3, 4, 6, 8},
			},
			[]string{"scope"},
		),
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamguard_turn_duration_seconds",
				Help:    "Wall time of a turn including backoff",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"scope"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "streamguard_breaker_state",
				Help: "Current breaker state per scope (1 for the active state)",
			},
			[]string{"scope", "state"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_breaker_transitions_total",
				Help: "Breaker state transitions",
			},
			[]string{"scope", "from", "to"},
		),
	}
}

// ObserveRequest records one model invocation.
func (p *PrometheusRecorder) ObserveRequest(
	model, scope string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	p.requestsTotal.WithLabelValues(model, scope, status, errorType).Inc()
	p.tokensTotal.WithLabelValues(model, scope, "prompt").Add(float64(promptTokens))
	if success {
		p.tokensTotal.WithLabelValues(model, scope, "completion").Add(float64(completionTokens))
	}
	p.requestDuration.WithLabelValues(model, scope).Observe(duration.Seconds())
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (p *PrometheusRecorder) ObserveQueueWait(model string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(model).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveAttempt(scope, outcome string) {
	p.attemptsTotal.WithLabelValues(scope, outcome).Inc()
}

func (p *PrometheusRecorder) IncFallback(scope, from, to string) {
	p.fallbacksTotal.WithLabelValues(scope, from, to).Inc()
}

func (p *PrometheusRecorder) IncHealing(scope, kind string) {
	p.healingsTotal.WithLabelValues(scope, kind).Inc()
}

func (p *PrometheusRecorder) ObserveTurn(scope, outcome string, attempts int, duration time.Duration) {
	p.turnsTotal.WithLabelValues(scope, outcome).Inc()
	p.turnAttempts.WithLabelValues(scope).Observe(float64(attempts))
	p.turnDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

// BreakerTransition moves the state gauge and counts the transition.
func (p *PrometheusRecorder) BreakerTransition(scope, from, to string) {
	p.breakerState.WithLabelValues(scope, from).Set(0)
	p.breakerState.WithLabelValues(scope, to).Set(1)
	p.breakerTransitions.WithLabelValues(scope, from, to).Inc()
}
