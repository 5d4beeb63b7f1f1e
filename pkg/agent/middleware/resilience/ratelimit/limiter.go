// Package ratelimit paces model requests on the client side so provider 429s stay rare.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/utils"
)

// ErrThrottled marks a request the limiter refused locally before it reached the provider.
var ErrThrottled = errors.New("throttled by client-side rate limiter")

// BufferFactor keeps the token budget slightly below the provider quota to absorb estimation error.
const BufferFactor = 0.9

// Config defines rate limiting configuration for a provider. Zero fields disable that limit.
type Config struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	TokensPerMinute   int     `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	MaxConcurrency    int     `json:"max_concurrency" yaml:"max_concurrency"`
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0 || c.TokensPerMinute > 0 || c.MaxConcurrency > 0
}

// TokenEstimator estimates the number of tokens needed for a request.
type TokenEstimator interface {
	EstimatePrompt(req llm.CompletionRequest) int
}

// DefaultTokenEstimator provides token estimation using TikToken.
type DefaultTokenEstimator struct{}

// NewDefaultTokenEstimator creates a new default token estimator.
func NewDefaultTokenEstimator() TokenEstimator {
	return &DefaultTokenEstimator{}
}

// EstimatePrompt counts message contents with the shared counter.
//
//nolint:gocritic // request passed by value like the client interface
func (e *DefaultTokenEstimator) EstimatePrompt(req llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		total += utils.CountTokensSimple(req.Messages[i].Content)
	}
	return total
}

// Limiter combines a request-rate limiter, a token-rate limiter and a concurrency semaphore.
type Limiter struct {
	provider string
	requests *rate.Limiter
	tokens   *rate.Limiter
	slots    chan struct{}

	tokenLimitHits  atomic.Int64
	concurrencyHits atomic.Int64
}

// Stats represents current limiter statistics.
type Stats struct {
	Provider        string `json:"provider"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

// NewLimiter creates a limiter for provider.
func NewLimiter(provider string, cfg Config) *Limiter {
	l := &Limiter{provider: provider}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.requests = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.TokensPerMinute > 0 {
		capacity := max(int(float64(cfg.TokensPerMinute)*BufferFactor), 1)
		l.tokens = rate.NewLimiter(rate.Limit(float64(capacity)/60.0), capacity)
	}
	if cfg.MaxConcurrency > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrency)
	}
	return l
}

// Acquire blocks until a request slot, tokens and a concurrency slot are available.
// The returned release must be called once the request finishes.
func (l *Limiter) Acquire(ctx context.Context, tokens int) (release func(), err error) {
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
		default:
			l.concurrencyHits.Add(1)
			select {
			case l.slots <- struct{}{}:
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting for %s concurrency slot: %w: %w", l.provider, ErrThrottled, ctx.Err())
			}
		}
	}
	release = func() {
		if l.slots != nil {
			<-l.slots
		}
	}

	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			release()
			return nil, fmt.Errorf("waiting for %s request budget: %w: %w", l.provider, ErrThrottled, err)
		}
	}
	if l.tokens != nil && tokens > 0 {
		n := min(tokens, l.tokens.Burst())
		if l.tokens.Tokens() < float64(n) {
			l.tokenLimitHits.Add(1)
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			release()
			return nil, fmt.Errorf("waiting for %s token budget: %w: %w", l.provider, ErrThrottled, err)
		}
	}
	return release, nil
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	s := Stats{
		Provider:        l.provider,
		TokenLimitHits:  l.tokenLimitHits.Load(),
		ConcurrencyHits: l.concurrencyHits.Load(),
	}
	if l.slots != nil {
		s.ActiveRequests = len(l.slots)
		s.MaxConcurrency = cap(l.slots)
	}
	return s
}
