// Package agent builds provider clients, their middleware chains and the resilience
// orchestrator from configuration.
package agent

import (
	"fmt"
	"time"

	"streamguard/pkg/agent/internal/llmimpl/anthropic"
	"streamguard/pkg/agent/internal/llmimpl/google"
	"streamguard/pkg/agent/internal/llmimpl/mock"
	"streamguard/pkg/agent/internal/llmimpl/ollama"
	"streamguard/pkg/agent/internal/llmimpl/openai"
	"streamguard/pkg/agent/internal/llmimpl/openaiofficial"
	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
	"streamguard/pkg/agent/middleware/logging"
	"streamguard/pkg/agent/middleware/metrics"
	"streamguard/pkg/agent/middleware/resilience/circuit"
	"streamguard/pkg/agent/middleware/resilience/fallback"
	"streamguard/pkg/agent/middleware/resilience/ratelimit"
	"streamguard/pkg/agent/middleware/resilience/retry"
	"streamguard/pkg/agent/middleware/resilience/timeout"
	"streamguard/pkg/agent/resilience"
	"streamguard/pkg/config"
	"streamguard/pkg/logx"
)

// Factory creates LLM clients with properly configured middleware chains.
type Factory struct {
	config   *config.Config
	recorder metrics.Recorder
	logger   *logx.Logger
	// newBase overrides provider construction in tests.
	newBase func() (llm.LLMClient, error)
}

// NewFactory creates a factory. A nil recorder records nothing.
func NewFactory(cfg *config.Config, recorder metrics.Recorder) *Factory {
	if cfg == nil {
		cfg = config.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Factory{config: cfg, recorder: recorder, logger: logx.NewLogger("factory")}
}

// NewProviderClient returns the bare provider adapter for the configured provider.
// The API key is resolved from provider.api_key or the secret store.
func (f *Factory) NewProviderClient() (llm.LLMClient, error) {
	if f.newBase != nil {
		return f.newBase()
	}
	p := f.config.Provider
	apiKey, err := config.ProviderAPIKey(p)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", p.Name, err)
	}

	switch p.Name {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClient(apiKey, p.Model, p.BaseURL), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClient(apiKey, p.Model, p.BaseURL), nil
	case config.ProviderOpenAICompat:
		return openai.NewCompatClient(apiKey, p.Model, p.BaseURL), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(p.BaseURL, p.Model), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, p.Model), nil
	case config.ProviderMock:
		client, err := mock.NewClient(p.Model, p.MockScript)
		if err != nil {
			return nil, fmt.Errorf("provider.mock_script: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", p.Name)
	}
}

// NewClient wraps the provider adapter with the per-attempt middleware chain:
//
//	metrics -> failure logging -> rate limit -> timeout -> provider
//
// Retry, fallback and the circuit breaker live in the orchestrator, above this chain.
func (f *Factory) NewClient() (llm.LLMClient, error) {
	base, err := f.NewProviderClient()
	if err != nil {
		return nil, err
	}
	p := f.config.Provider

	middlewares := []llm.Middleware{
		metrics.Middleware(f.recorder, nil, logx.NewLogger("llm")),
		logging.FailureLoggingMiddleware(logx.NewLogger("llm-middleware")),
	}
	limits := ratelimit.Config{
		RequestsPerSecond: p.RateLimit.RequestsPerSecond,
		Burst:             p.RateLimit.Burst,
		TokensPerMinute:   p.RateLimit.TokensPerMinute,
		MaxConcurrency:    p.RateLimit.MaxConcurrency,
	}
	if limits.Enabled() {
		middlewares = append(middlewares, ratelimit.Middleware(ratelimit.NewLimiter(p.Name, limits), nil, f.recorder))
	}
	if p.AttemptTimeout > 0 {
		middlewares = append(middlewares, timeout.Middleware(p.AttemptTimeout))
	}
	return llm.Chain(base, middlewares...), nil
}

// NewBreakers builds the breaker source. Transitions are logged and reported to the recorder.
func (f *Factory) NewBreakers() circuit.Source {
	b := f.config.Breaker
	cfg := circuit.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		RecoveryTimeout:  b.RecoveryTimeout,
		ResetOnSuccess:   b.ResetOnSuccess,
		Strict:           b.Strict,
	}
	logger := logx.NewLogger("breaker")
	hook := circuit.WithStateChangeHook(func(scope string, from, to circuit.State) {
		if to == circuit.Open {
			logger.Warn("⚡ circuit %s: %s -> %s", scopeOrDefault(scope), from, to)
		} else {
			logger.Info("circuit %s: %s -> %s", scopeOrDefault(scope), from, to)
		}
		f.recorder.BreakerTransition(scopeOrDefault(scope), from.String(), to.String())
	})
	if b.Scoped {
		return circuit.NewRegistry(cfg, hook)
	}
	return circuit.Shared(circuit.New(cfg, hook))
}

// FallbackPolicy converts the fallback section into a policy.
func (f *Factory) FallbackPolicy() (*fallback.Policy, error) {
	fc := f.config.Fallback
	seq := make([]llm.ToolChoice, 0, len(fc.Sequence))
	for _, s := range fc.Sequence {
		choice, err := llm.ParseToolChoice(s)
		if err != nil {
			return nil, fmt.Errorf("fallback.sequence: %w", err)
		}
		seq = append(seq, choice)
	}
	policy, err := fallback.NewPolicy(fallback.Config{
		Sequence:       seq,
		AutoMessage:    fc.AutoMessage,
		NoneMessage:    fc.NoneMessage,
		NeutralMessage: fc.NeutralMessage,

		ReformatMessage:     fc.ReformatMessage,
		NoSuchToolMessage:   fc.NoSuchToolMessage,
		InvalidArgsMessage:  fc.InvalidArgsMessage,
		ToolFailedMessage:   fc.ToolFailedMessage,
		ErrorDetailGuidance: fc.ErrorDetailGuidance,
	})
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return policy, nil
}

// RetryConfig converts the retry section.
func (f *Factory) RetryConfig() retry.Config {
	r := f.config.Retry
	cfg := retry.DefaultConfig
	if r.MaxRetries != nil {
		cfg.MaxRetries = *r.MaxRetries
	}
	if r.InitialDelay > 0 {
		cfg.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		cfg.MaxDelay = r.MaxDelay
	}
	if r.BackoffFactor > 0 {
		cfg.BackoffFactor = r.BackoffFactor
	}
	if r.Jitter != nil {
		cfg.Jitter = *r.Jitter
	}
	return cfg
}

// NewOrchestrator assembles the client chain, breakers and policies into an orchestrator.
// Extra options are applied last and override the configured ones.
func (f *Factory) NewOrchestrator(opts ...resilience.Option) (*resilience.Orchestrator, error) {
	client, err := f.NewClient()
	if err != nil {
		return nil, err
	}
	policy, err := f.FallbackPolicy()
	if err != nil {
		return nil, err
	}
	retryCfg := f.RetryConfig()
	if err := retryCfg.Validate(); err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}

	rateLimitFallback := true
	if v := f.config.Fallback.RateLimitTriggersFallback; v != nil {
		rateLimitFallback = *v
	}

	retryLogger := logx.NewLogger("retry")
	base := []resilience.Option{
		resilience.WithBreakers(f.NewBreakers()),
		resilience.WithClassifier(llmerrors.NewClassifier(rateLimitFallback).WithErrorDetailHealing(f.config.Fallback.ErrorDetailHealing)),
		resilience.WithFallbackPolicy(policy),
		resilience.WithRetryPolicy(retry.NewPolicy(retryCfg)),
		resilience.WithRecorder(f.recorder),
		resilience.WithLogger(logx.NewLogger("orchestrator")),
		resilience.WithRetryHook(func(a resilience.RetryAttempt, delay time.Duration) {
			retryLogger.Debug("attempt %d failed (%s/%s), next in %s", a.Index, a.Category, a.Rule, delay)
		}),
	}

	f.logger.Info("orchestrator ready: provider=%s model=%s retries=%d breaker=%d/%d/%s",
		f.config.Provider.Name, client.GetModelName(), retryCfg.MaxRetries,
		f.config.Breaker.FailureThreshold, f.config.Breaker.SuccessThreshold, f.config.Breaker.RecoveryTimeout)
	return resilience.New(client, append(base, opts...)...), nil
}

func scopeOrDefault(scope string) string {
	if scope == "" {
		return "default"
	}
	return scope
}
