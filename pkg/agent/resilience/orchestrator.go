// Package resilience runs a model turn under a circuit breaker, relaxing the tool-choice
// constraint and backing off between attempts.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
	"streamguard/pkg/agent/middleware/metrics"
	"streamguard/pkg/agent/middleware/resilience/circuit"
	"streamguard/pkg/agent/middleware/resilience/fallback"
	"streamguard/pkg/agent/middleware/resilience/ratelimit"
	"streamguard/pkg/agent/middleware/resilience/retry"
	"streamguard/pkg/logx"
)

const tracerName = "streamguard/resilience"

// Turn outcome labels for metrics.
const (
	outcomeSuccess     = "success"
	outcomeCircuitOpen = "circuit_open"
	outcomeFatal       = "fatal"
	outcomeExhausted   = "exhausted"
	outcomeAborted     = "aborted"
)

// Orchestrator drives the retry loop for a turn. It is safe for concurrent use; each Invoke call
// runs its attempts sequentially.
type Orchestrator struct {
	client     llm.LLMClient
	breakers   circuit.Source
	classifier *llmerrors.Classifier
	fallback   *fallback.Policy
	retry      *retry.Policy
	recorder   metrics.Recorder
	logger     *logx.Logger
	tracer     trace.Tracer
	onRetry    []RetryHook
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBreakers sets the breaker source. The default is one shared breaker with DefaultConfig.
func WithBreakers(src circuit.Source) Option {
	return func(o *Orchestrator) { o.breakers = src }
}

// WithBreaker shares b across every scope.
func WithBreaker(b *circuit.Breaker) Option {
	return WithBreakers(circuit.Shared(b))
}

// WithClassifier replaces the default error classifier.
func WithClassifier(c *llmerrors.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithFallbackPolicy replaces the default tool-choice relaxation policy.
func WithFallbackPolicy(p *fallback.Policy) Option {
	return func(o *Orchestrator) { o.fallback = p }
}

// WithRetryPolicy replaces the default backoff policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer. The default comes from the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRetryHook registers a callback run after each failed attempt that will be retried.
func WithRetryHook(h RetryHook) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.onRetry = append(o.onRetry, h)
		}
	}
}

// New creates an orchestrator around client.
func New(client llm.LLMClient, opts ...Option) *Orchestrator {
	o := &Orchestrator{client: client}
	for _, opt := range opts {
		opt(o)
	}
	if o.breakers == nil {
		o.breakers = circuit.Shared(circuit.New(circuit.DefaultConfig))
	}
	if o.classifier == nil {
		o.classifier = llmerrors.NewClassifier(true)
	}
	if o.fallback == nil {
		o.fallback = fallback.MustPolicy(fallback.DefaultConfig())
	}
	if o.retry == nil {
		o.retry = retry.NewPolicy(retry.DefaultConfig)
	}
	if o.recorder == nil {
		o.recorder = metrics.Nop()
	}
	if o.logger == nil {
		o.logger = logx.NewLogger("orchestrator")
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// Breakers returns the breaker source, for health reporting.
func (o *Orchestrator) Breakers() circuit.Source {
	return o.breakers
}

// Invoke runs the turn. It returns the first successful response, or one of:
// *CircuitOpenError when the breaker refuses an attempt, *TerminalError for a fatal failure or
// an exhausted retry budget, and an ErrTurnAborted-wrapped context error when ctx ends.
func (o *Orchestrator) Invoke(ctx context.Context, req TurnRequest) (TurnOutput, error) {
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	scope := scopeLabel(req.Scope)
	ctx = logx.WithTurnID(ctx, req.TurnID)
	ctx = metrics.WithScope(ctx, scope)
	ctx, span := o.tracer.Start(ctx, "streamguard.turn", trace.WithAttributes(
		attribute.String("streamguard.turn_id", req.TurnID),
		attribute.String("streamguard.scope", scope),
		attribute.String("streamguard.tool_choice", req.ToolChoice.String()),
	))
	defer span.End()

	t := &turn{
		o:          o,
		req:        req,
		scope:      scope,
		breaker:    o.breakers.For(req.Scope),
		messages:   llm.CloneMessages(req.Messages),
		toolChoice: req.ToolChoice,
		start:      time.Now(),
	}
	out, outcome, err := t.run(ctx)

	span.SetAttributes(
		attribute.Int("streamguard.attempts", len(t.attempts)),
		attribute.String("streamguard.outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	o.recorder.ObserveTurn(scope, outcome, len(t.attempts), time.Since(t.start))
	return out, err
}

type turn struct {
	o          *Orchestrator
	req        TurnRequest
	scope      string
	breaker    *circuit.Breaker
	messages   []llm.CompletionMessage
	toolChoice llm.ToolChoice
	attempts   []RetryAttempt
	start      time.Time
}

func (t *turn) run(ctx context.Context) (TurnOutput, string, error) {
	o := t.o
	maxRetries := max(o.retry.Config.MaxRetries, 0)
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return t.output(), outcomeAborted, abortedError(err)
		}

		res := t.attempt(ctx, attempt)
		if res.refused {
			if res.err != nil {
				// the exec slot wait was interrupted by ctx
				return t.output(), outcomeAborted, abortedError(res.err)
			}
			o.logger.Warn("🚫 Circuit breaker %s refused turn %s attempt %d", t.breaker.State(), t.req.TurnID, attempt)
			return t.output(), outcomeCircuitOpen, &CircuitOpenError{
				Snapshot: t.breaker.Snapshot(),
				Cause:    lastErr,
				Scope:    t.req.Scope,
				Attempt:  attempt,
			}
		}

		rec := &t.attempts[len(t.attempts)-1]
		err := res.err
		if err == nil {
			o.recorder.ObserveAttempt(t.scope, outcomeSuccess)
			if attempt > 0 {
				o.logger.Info("✅ Turn %s succeeded on attempt %d with tool choice %s", t.req.TurnID, attempt+1, t.toolChoice)
			}
			out := t.output()
			out.Response = res.resp
			return out, outcomeSuccess, nil
		}

		if ctx.Err() != nil {
			rec.Category = outcomeAborted
			return t.output(), outcomeAborted, abortedError(err)
		}

		lastErr = err
		cls := o.classifier.Classify(err)
		rec.Category = cls.Category.String()
		rec.Rule = cls.Rule
		o.recorder.ObserveAttempt(t.scope, rec.Category)
		o.logger.Warn("Turn %s attempt %d/%d failed (%s via %s): %v",
			t.req.TurnID, attempt+1, maxRetries+1, cls.Category, cls.Rule, err)

		switch {
		case cls.Category == llmerrors.CategoryCircuitOpen:
			return t.output(), outcomeCircuitOpen, &CircuitOpenError{
				Snapshot: t.breaker.Snapshot(),
				Cause:    err,
				Scope:    t.req.Scope,
				Attempt:  attempt,
			}
		case !cls.Category.Retryable():
			return t.output(), outcomeFatal, t.terminal(ErrFatal, cls.Category, err)
		case attempt == maxRetries:
			continue
		}

		if cls.Fallback {
			t.relax(ctx, rec, attempt+1)
		} else {
			t.heal(ctx, rec, cls.Healing, err)
		}

		delay := o.retry.DelayFor(attempt+1, llmerrors.RetryAfterOf(err))
		rec.Delay = delay
		for _, h := range o.onRetry {
			h(*rec, delay)
		}
		logx.Debug(ctx, "retry", "backing off %s before attempt %d", delay, attempt+2)
		if waitErr := o.retry.Wait(ctx, delay); waitErr != nil {
			return t.output(), outcomeAborted, abortedError(waitErr)
		}
	}

	o.logger.Error("❌ Turn %s exhausted %d attempt(s): %v", t.req.TurnID, len(t.attempts), lastErr)
	return t.output(), outcomeExhausted, t.terminal(ErrRetryExhausted, o.classifier.Classify(lastErr).Category, lastErr)
}

// attemptResult is the outcome of one attempt. refused is set when no call was made.
type attemptResult struct {
	resp    llm.CompletionResponse
	err     error
	refused bool
}

// attempt performs the breaker check, the model call and the breaker update as one unit.
func (t *turn) attempt(ctx context.Context, index int) attemptResult {
	release, err := t.breaker.Acquire(ctx)
	if err != nil {
		return attemptResult{err: err, refused: true}
	}
	defer release()

	if !t.breaker.CanExecute() {
		return attemptResult{refused: true}
	}

	creq := llm.CompletionRequest{
		Messages:    llm.CloneMessages(t.messages),
		Tools:       t.req.Tools,
		ToolChoice:  t.toolChoice,
		MaxTokens:   t.req.MaxTokens,
		Temperature: t.req.Temperature,
	}

	actx, span := t.o.tracer.Start(ctx, "streamguard.attempt", trace.WithAttributes(
		attribute.Int("streamguard.attempt", index),
		attribute.String("streamguard.tool_choice", t.toolChoice.String()),
	))
	started := time.Now()
	resp, err := t.o.client.Complete(actx, creq)

	rec := RetryAttempt{
		Index:      index,
		ToolChoice: t.toolChoice,
		StartedAt:  started,
		Duration:   time.Since(started),
		Err:        err,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	switch {
	case err == nil:
		t.breaker.RecordSuccess()
	case ctx.Err() != nil:
		// cancelled by the caller; not evidence about the service
	case errors.Is(err, ratelimit.ErrThrottled):
		// refused locally; the provider was never called
		span.RecordError(err)
	default:
		t.breaker.RecordFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
	}
	span.End()

	t.attempts = append(t.attempts, rec)
	return attemptResult{resp: resp, err: err}
}

// relax applies the fallback policy for the attempt about to run.
func (t *turn) relax(ctx context.Context, rec *RetryAttempt, nextAttempt int) {
	next := t.o.fallback.NextToolChoice(t.req.ToolChoice, nextAttempt)
	if next == t.toolChoice {
		return
	}
	t.o.logger.Info("🔧 Turn %s relaxing tool choice %s -> %s", t.req.TurnID, t.toolChoice, next)
	logx.Debug(ctx, "fallback", "healing message appended for %s", next)
	t.o.recorder.IncFallback(t.scope, t.toolChoice.String(), next.String())

	t.messages = append(t.messages, t.o.fallback.HealingMessage(next))
	rec.FallbackTo = next
	t.toolChoice = next
}

// heal appends the corrective message for a failure that does not relax the tool choice.
func (t *turn) heal(ctx context.Context, rec *RetryAttempt, healing llmerrors.Healing, err error) {
	msg, ok := t.o.fallback.Heal(healing, err, t.req.Tools)
	if !ok {
		return
	}
	logx.Debug(ctx, "fallback", "%s healing message appended as %s", healing, msg.Role)
	t.o.recorder.IncHealing(t.scope, string(healing))

	t.messages = append(t.messages, msg)
	rec.Healing = string(healing)
}

func (t *turn) terminal(reason error, cat llmerrors.Category, cause error) *TerminalError {
	return &TerminalError{
		Reason:   reason,
		Cause:    cause,
		Attempts: append([]RetryAttempt(nil), t.attempts...),
		Category: cat,
	}
}

func (t *turn) output() TurnOutput {
	return TurnOutput{
		TurnID:     t.req.TurnID,
		Messages:   llm.CloneMessages(t.messages),
		ToolChoice: t.toolChoice,
		Attempts:   append([]RetryAttempt(nil), t.attempts...),
		Breaker:    t.breaker.Snapshot(),
	}
}

func scopeLabel(scope string) string {
	if scope == "" {
		return "default"
	}
	return scope
}
