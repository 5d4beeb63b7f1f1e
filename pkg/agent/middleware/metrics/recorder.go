// Package metrics records model invocations, retry attempts, fallbacks and breaker transitions.
package metrics

import (
	"context"
	"time"
)

// Recorder defines the interface for recording resilience metrics.
type Recorder interface {
	// ObserveRequest records one model invocation as seen by the client middleware.
	ObserveRequest(model, scope string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)

	// IncThrottle increments the throttle counter for client-side rate limiting events.
	IncThrottle(model, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(model string, duration time.Duration)

	// ObserveAttempt records the outcome category of one orchestrated attempt.
	ObserveAttempt(scope, outcome string)

	// IncFallback counts a tool-choice relaxation.
	IncFallback(scope, from, to string)

	// IncHealing counts a corrective message appended after a failed attempt.
	IncHealing(scope, kind string)

	// ObserveTurn records a finished turn.
	ObserveTurn(scope, outcome string, attempts int, duration time.Duration)

	// BreakerTransition records a breaker state change.
	BreakerTransition(scope, from, to string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}
func (n *NoopRecorder) IncThrottle(_, _ string)                                                 {}
func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration)                              {}
func (n *NoopRecorder) ObserveAttempt(_, _ string)                                              {}
func (n *NoopRecorder) IncFallback(_, _, _ string)                                              {}
func (n *NoopRecorder) IncHealing(_, _ string)                                                  {}
func (n *NoopRecorder) ObserveTurn(_, _ string, _ int, _ time.Duration)                         {}
func (n *NoopRecorder) BreakerTransition(_, _, _ string)                                        {}

type scopeKey struct{}

// WithScope tags ctx with the breaker scope so client middlewares can label their metrics.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the scope stored by WithScope, or "default".
func ScopeFrom(ctx context.Context) string {
	if s, ok := ctx.Value(scopeKey{}).(string); ok && s != "" {
		return s
	}
	return "default"
}
