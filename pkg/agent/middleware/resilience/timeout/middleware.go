// Package timeout bounds each model invocation with its own deadline.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// Middleware gives each request its own deadline. When that deadline fires while the caller's
// context is still live, the error is reported as a transient provider failure so it is retried
// rather than treated as a cancelled turn.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Complete(timeoutCtx, req)
				if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
					return resp, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err,
						fmt.Sprintf("attempt timed out after %s", duration))
				}
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
