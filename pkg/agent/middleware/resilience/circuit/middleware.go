package circuit

import (
	"context"

	"streamguard/pkg/agent/llm"
)

// Middleware guards an LLM client with a breaker for callers that do not use the retry
// orchestrator. Calls aborted by the caller's context are not counted as failures.
func Middleware(b *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := b.Acquire(ctx)
				if err != nil {
					return llm.CompletionResponse{}, err //nolint:wrapcheck // caller's own context error
				}
				defer release()

				if !b.CanExecute() {
					return llm.CompletionResponse{}, &Error{Scope: b.Scope(), State: b.State()}
				}

				resp, err := next.Complete(ctx, req)
				switch {
				case err == nil:
					b.RecordSuccess()
				case ctx.Err() != nil:
					// caller gave up; says nothing about the service
				default:
					b.RecordFailure()
				}
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
