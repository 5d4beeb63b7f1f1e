// Package logging provides logging middleware for LLM clients.
package logging

import (
	"context"
	"errors"
	"strings"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
	"streamguard/pkg/logx"
)

// maxLoggedChars bounds each message written to the failure dump.
const maxLoggedChars = 2000

// FailureLoggingMiddleware dumps the request that produced an empty response or a
// tool-choice failure, then passes the error through unchanged. Other errors are not logged here.
func FailureLoggingMiddleware(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("llm-middleware")
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if shouldDump(err) {
					logFailureDebugInfo(ctx, logger, next.GetModelName(), req, err)
				}
				//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
				return resp, err
			},
			next.GetModelName,
		)
	}
}

func shouldDump(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) || llmerrors.Is(err, llmerrors.ErrorTypeToolChoice)
}

//nolint:gocritic // request logged by value
func logFailureDebugInfo(ctx context.Context, logger *logx.Logger, model string, req llm.CompletionRequest, err error) {
	logger.Warn("🚨 %s from %s (turn=%s): %v", llmerrors.TypeOf(err), model, logx.TurnID(ctx), err)
	for i := range req.Messages {
		msg := &req.Messages[i]
		marker := ""
		if msg.Healing {
			marker = " [healing]"
		}
		logx.Debug(ctx, "llm", "message[%d] role=%s%s: %s", i, msg.Role, marker, llmerrors.SanitizePrompt(msg.Content, maxLoggedChars))
	}
	logger.Warn("  - tool_choice=%s tools=[%s] max_tokens=%d temperature=%v",
		req.ToolChoice, strings.Join(toolNames(req.Tools), ", "), req.MaxTokens, req.Temperature)
}

func toolNames(defs []llm.ToolDefinition) []string {
	names := make([]string, len(defs))
	for i := range defs {
		names[i] = defs[i].Name
	}
	return names
}
