package metrics

import (
	"context"
	"errors"
	"time"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
	"streamguard/pkg/logx"
	"streamguard/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor estimates token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens with the shared tiktoken counter.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	for i := range req.Messages {
		promptTokens += utils.CountTokensSimple(req.Messages[i].Content)
	}
	return promptTokens, utils.CountTokensSimple(resp.Content)
}

// Middleware records latency, token estimates and error types of each invocation.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()
				scope := ScopeFrom(ctx)

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				promptTokens, completionTokens := usageExtractor(req, resp)
				errorType := getErrorType(err)
				recorder.ObserveRequest(model, scope, promptTokens, completionTokens, err == nil, errorType, duration)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("🎯 LLM Request: model=%s scope=%s tool_choice=%s tokens=%d+%d status=%s duration=%dms",
						model, scope, req.ToolChoice, promptTokens, completionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// getErrorType labels errors for metrics.
func getErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return llmerrors.Classify(err).Category.String()
	}
}
