package metrics

import (
	"sync"
	"time"
)

// InternalRecorder aggregates metrics in memory per scope. It backs the CLI summary and tests.
type InternalRecorder struct {
	scopes map[string]*ScopeMetrics
	mu     sync.RWMutex
}

// ScopeMetrics represents aggregated metrics for a breaker scope.
//
//nolint:govet
type ScopeMetrics struct {
	Scope              string           `json:"scope"`
	Requests           int64            `json:"requests"`
	FailedRequests     int64            `json:"failed_requests"`
	PromptTokens       int64            `json:"prompt_tokens"`
	CompletionTokens   int64            `json:"completion_tokens"`
	Attempts           map[string]int64 `json:"attempts"`
	Fallbacks          map[string]int64 `json:"fallbacks"`
	Healings           map[string]int64 `json:"healings"`
	Turns              map[string]int64 `json:"turns"`
	BreakerTransitions map[string]int64 `json:"breaker_transitions"`
	BreakerState       string           `json:"breaker_state,omitempty"`
	Throttles          int64            `json:"throttles"`
	LastUpdated        time.Time        `json:"last_updated"`
}

// NewInternalRecorder returns an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{scopes: make(map[string]*ScopeMetrics)}
}

func (r *InternalRecorder) scopeLocked(scope string) *ScopeMetrics {
	s, ok := r.scopes[scope]
	if !ok {
		s = &ScopeMetrics{
			Scope:              scope,
			Attempts:           make(map[string]int64),
			Fallbacks:          make(map[string]int64),
			Healings:           make(map[string]int64),
			Turns:              make(map[string]int64),
			BreakerTransitions: make(map[string]int64),
		}
		r.scopes[scope] = s
	}
	s.LastUpdated = time.Now()
	return s
}

func (r *InternalRecorder) ObserveRequest(_, scope string, promptTokens, completionTokens int, success bool, _ string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.scopeLocked(scope)
	s.Requests++
	s.PromptTokens += int64(promptTokens)
	if success {
		s.CompletionTokens += int64(completionTokens)
	} else {
		s.FailedRequests++
	}
}

// IncThrottle is counted under the "default" scope; throttling is per model, not per scope.
func (r *InternalRecorder) IncThrottle(_, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopeLocked("default").Throttles++
}

func (r *InternalRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

func (r *InternalRecorder) ObserveAttempt(scope, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopeLocked(scope).Attempts[outcome]++
}

func (r *InternalRecorder) IncFallback(scope, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopeLocked(scope).Fallbacks[from+"->"+to]++
}

func (r *InternalRecorder) IncHealing(scope, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopeLocked(scope).Healings[kind]++
}

func (r *InternalRecorder) ObserveTurn(scope, outcome string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopeLocked(scope).Turns[outcome]++
}

func (r *InternalRecorder) BreakerTransition(scope, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.scopeLocked(scope)
	s.BreakerTransitions[from+"->"+to]++
	s.BreakerState = to
}

// GetScopeMetrics returns a copy of the metrics for scope, or nil.
func (r *InternalRecorder) GetScopeMetrics(scope string) *ScopeMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.scopes[scope]; ok {
		return s.clone()
	}
	return nil
}

// GetAllScopeMetrics returns copies of every scope's metrics.
func (r *InternalRecorder) GetAllScopeMetrics() map[string]*ScopeMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*ScopeMetrics, len(r.scopes))
	for k, s := range r.scopes {
		out[k] = s.clone()
	}
	return out
}

// Reset clears all metrics.
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = make(map[string]*ScopeMetrics)
}

func (s *ScopeMetrics) clone() *ScopeMetrics {
	c := *s
	c.Attempts = cloneCounts(s.Attempts)
	c.Fallbacks = cloneCounts(s.Fallbacks)
	c.Healings = cloneCounts(s.Healings)
	c.Turns = cloneCounts(s.Turns)
	c.BreakerTransitions = cloneCounts(s.BreakerTransitions)
	return &c
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Tee fans every observation out to all recorders.
func Tee(recorders ...Recorder) Recorder {
	return tee(recorders)
}

type tee []Recorder

func (t tee) ObserveRequest(model, scope string, p, c int, success bool, errorType string, d time.Duration) {
	for _, r := range t {
		r.ObserveRequest(model, scope, p, c, success, errorType, d)
	}
}

func (t tee) IncThrottle(model, reason string) {
	for _, r := range t {
		r.IncThrottle(model, reason)
	}
}

func (t tee) ObserveQueueWait(model string, d time.Duration) {
	for _, r := range t {
		r.ObserveQueueWait(model, d)
	}
}

func (t tee) ObserveAttempt(scope, outcome string) {
	for _, r := range t {
		r.ObserveAttempt(scope, outcome)
	}
}

func (t tee) IncFallback(scope, from, to string) {
	for _, r := range t {
		r.IncFallback(scope, from, to)
	}
}

func (t tee) IncHealing(scope, kind string) {
	for _, r := range t {
		r.IncHealing(scope, kind)
	}
}

func (t tee) ObserveTurn(scope, outcome string, attempts int, d time.Duration) {
	for _, r := range t {
		r.ObserveTurn(scope, outcome, attempts, d)
	}
}

func (t tee) BreakerTransition(scope, from, to string) {
	for _, r := range t {
		r.BreakerTransition(scope, from, to)
	}
}
