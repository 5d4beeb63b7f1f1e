package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

func toolRequest(choice llm.ToolChoice) llm.CompletionRequest {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("go")})
	req.Tools = []llm.ToolDefinition{{Name: "shell"}}
	req.ToolChoice = choice
	return req
}

func TestClient_ReplaysScript(t *testing.T) {
	client, err := NewClient("mock-model", []string{"no_tool_calls", "rate_limit", "ok"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Complete(ctx, toolRequest(llm.ToolChoiceRequired))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeToolChoice))

	_, err = client.Complete(ctx, toolRequest(llm.ToolChoiceAuto))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeRateLimit))
	assert.Positive(t, llmerrors.RetryAfterOf(err))

	resp, err := client.Complete(ctx, toolRequest(llm.ToolChoiceAuto))
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "shell", resp.ToolCalls[0].Name)

	// last step repeats
	_, err = client.Complete(ctx, toolRequest(llm.ToolChoiceNone))
	require.NoError(t, err)
	assert.Equal(t, 4, client.Calls())
	assert.Len(t, client.Requests, 4)
}

func TestClient_NoToolCallsOnlyFailsRequired(t *testing.T) {
	client, err := NewClient("mock-model", []string{"no_tool_calls"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), toolRequest(llm.ToolChoiceNone))
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, "Done.", resp.Content)
}

func TestClient_ErrorSteps(t *testing.T) {
	tests := map[string]llmerrors.ErrorType{
		StepOverloaded:  llmerrors.ErrorTypeOverloaded,
		StepTransient:   llmerrors.ErrorTypeTransient,
		StepEmpty:       llmerrors.ErrorTypeEmptyResponse,
		StepAuth:        llmerrors.ErrorTypeAuth,
		StepBadPrompt:   llmerrors.ErrorTypeBadPrompt,
		StepUnknownTool: llmerrors.ErrorTypeNoSuchTool,
		StepBadArgs:     llmerrors.ErrorTypeInvalidToolArguments,
		StepToolFailed:  llmerrors.ErrorTypeToolExecution,
		StepMalformed:   llmerrors.ErrorTypeMalformedResponse,
	}
	for step, want := range tests {
		t.Run(step, func(t *testing.T) {
			client, err := NewClient("m", []string{step})
			require.NoError(t, err)
			_, err = client.Complete(context.Background(), toolRequest(llm.ToolChoiceAuto))
			assert.Equal(t, want, llmerrors.TypeOf(err))
		})
	}
}

func TestClient_UnknownToolListsAvailable(t *testing.T) {
	client, err := NewClient("m", []string{StepUnknownTool})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), toolRequest(llm.ToolChoiceRequired))
	var llmErr *llmerrors.Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, "delete_repo", llmErr.ToolName)
	assert.Equal(t, []string{toolRequest(llm.ToolChoiceRequired).Tools[0].Name}, llmErr.AvailableTools)
}

func TestNewClient_RejectsUnknownStep(t *testing.T) {
	_, err := NewClient("m", []string{"ok", "explode"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explode")
}

func TestClient_Cancelled(t *testing.T) {
	client, err := NewClient("m", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Complete(ctx, toolRequest(llm.ToolChoiceAuto))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "m", client.GetModelName())
	assert.Zero(t, client.Calls())
}
