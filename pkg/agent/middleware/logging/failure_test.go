package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
	"streamguard/pkg/logx"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logx.SetOutput(&buf)
	t.Cleanup(func() { logx.SetOutput(nil) })
	return &buf
}

func failingClient(err error) llm.LLMClient {
	return llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, err
		},
		func() string { return "test-model" },
	)
}

func request() llm.CompletionRequest {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("list the files")})
	req.Tools = []llm.ToolDefinition{{Name: "list_files"}, {Name: "read_file"}}
	req.ToolChoice = llm.ToolChoiceRequired
	return req
}

func TestFailureLoggingMiddleware_DumpsToolChoiceFailure(t *testing.T) {
	buf := captureLogs(t)
	cause := llmerrors.NewNoToolCallsError("test-model")
	client := llm.Chain(failingClient(cause), FailureLoggingMiddleware(logx.NewLogger("test")))

	_, err := client.Complete(context.Background(), request())
	require.ErrorIs(t, err, cause)

	out := buf.String()
	assert.Contains(t, out, "tool_choice from test-model")
	assert.Contains(t, out, "tool_choice=required")
	assert.Contains(t, out, "list_files, read_file")
}

func TestFailureLoggingMiddleware_DumpsEmptyResponse(t *testing.T) {
	buf := captureLogs(t)
	client := llm.Chain(failingClient(llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty")), FailureLoggingMiddleware(nil))

	_, err := client.Complete(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, buf.String(), "test-model")
}

func TestFailureLoggingMiddleware_IgnoresOtherErrors(t *testing.T) {
	buf := captureLogs(t)
	for _, err := range []error{
		llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"),
		errors.New("boom"),
		context.Canceled,
	} {
		client := llm.Chain(failingClient(err), FailureLoggingMiddleware(nil))
		_, got := client.Complete(context.Background(), request())
		assert.ErrorIs(t, got, err)
	}
	assert.Empty(t, buf.String())
}

func TestFailureLoggingMiddleware_PassesModelName(t *testing.T) {
	client := llm.Chain(failingClient(nil), FailureLoggingMiddleware(nil))
	assert.Equal(t, "test-model", client.GetModelName())
}
