package ratelimit

import (
	"context"
	"time"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/middleware/metrics"
)

// Middleware acquires request, token and concurrency budget before each invocation.
// Token estimates cover the prompt plus the requested output budget.
func Middleware(limiter *Limiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				totalTokens := estimator.EstimatePrompt(req) + req.MaxTokens

				start := time.Now()
				release, err := limiter.Acquire(ctx, totalTokens)
				recorder.ObserveQueueWait(model, time.Since(start))
				if err != nil {
					recorder.IncThrottle(model, "rate_limit")
					return llm.CompletionResponse{}, err
				}
				defer release()

				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
