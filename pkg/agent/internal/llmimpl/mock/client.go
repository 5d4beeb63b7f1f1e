// Package mock provides a scripted llm.LLMClient for offline runs and tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// Steps understood by the scripted client.
const (
	StepOK          = "ok"
	StepNoToolCalls = "no_tool_calls"
	StepRateLimit   = "rate_limit"
	StepOverloaded  = "overloaded"
	StepTransient   = "transient"
	StepEmpty       = "empty"
	StepAuth        = "auth"
	StepBadPrompt   = "bad_prompt"
	StepUnknownTool = "unknown_tool"
	StepBadArgs     = "bad_args"
	StepToolFailed  = "tool_failed"
	StepMalformed   = "malformed"
)

// Client replays a fixed script of outcomes. The last step repeats once the script is exhausted.
type Client struct {
	model string
	steps []string
	mu    sync.Mutex
	calls int
	// Requests holds every request received, in order.
	Requests []llm.CompletionRequest
}

// NewClient validates the script and returns a client. An empty script always succeeds.
func NewClient(model string, script []string) (*Client, error) {
	steps := make([]string, 0, len(script))
	for i, s := range script {
		step := strings.ToLower(strings.TrimSpace(s))
		switch step {
		case StepOK, StepNoToolCalls, StepRateLimit, StepOverloaded, StepTransient, StepEmpty, StepAuth, StepBadPrompt,
			StepUnknownTool, StepBadArgs, StepToolFailed, StepMalformed:
		default:
			return nil, fmt.Errorf("mock script step %d: unknown outcome %q", i, s)
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		steps = []string{StepOK}
	}
	return &Client{model: model, steps: steps}, nil
}

// Complete returns the outcome of the next script step.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.CompletionResponse{}, err //nolint:wrapcheck // cancellation passes through
	}

	c.mu.Lock()
	step := c.steps[min(c.calls, len(c.steps)-1)]
	c.calls++
	c.Requests = append(c.Requests, req)
	c.mu.Unlock()

	switch step {
	case StepNoToolCalls:
		if req.ToolChoice == llm.ToolChoiceRequired && len(req.Tools) > 0 {
			return llm.CompletionResponse{Content: "I'd rather describe it.", StopReason: "end_turn"}, llmerrors.NewNoToolCallsError(c.model)
		}
		return respond(req), nil
	case StepRateLimit:
		e := llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, 429, "rate_limit_error: too many requests")
		e.RetryAfter = time.Second
		return llm.CompletionResponse{}, e
	case StepOverloaded:
		return llm.CompletionResponse{}, llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeOverloaded, 529, "overloaded_error")
	case StepTransient:
		return llm.CompletionResponse{}, llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, 503, "service unavailable")
	case StepEmpty:
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response")
	case StepAuth:
		return llm.CompletionResponse{}, llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, 401, "invalid x-api-key")
	case StepBadPrompt:
		return llm.CompletionResponse{}, llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, 400, "invalid_request_error: malformed request")
	case StepUnknownTool:
		e := llmerrors.NewToolError(llmerrors.ErrorTypeNoSuchTool, "delete_repo", "call_1", nil, "model tried to call unavailable tool delete_repo")
		for i := range req.Tools {
			e.AvailableTools = append(e.AvailableTools, req.Tools[i].Name)
		}
		return llm.CompletionResponse{}, e
	case StepBadArgs:
		return llm.CompletionResponse{}, llmerrors.NewToolError(llmerrors.ErrorTypeInvalidToolArguments, firstTool(req), "call_1", nil, "missing required parameter path")
	case StepToolFailed:
		return llm.CompletionResponse{}, llmerrors.NewToolError(llmerrors.ErrorTypeToolExecution, firstTool(req), "call_1", nil, "tool exited with status 1")
	case StepMalformed:
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeMalformedResponse, "JSONParseError: unexpected end of JSON input")
	default:
		return respond(req), nil
	}
}

func firstTool(req llm.CompletionRequest) string { //nolint:gocritic // small request copy
	if len(req.Tools) == 0 {
		return ""
	}
	return req.Tools[0].Name
}

// Calls returns the number of Complete invocations so far.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// GetModelName returns the configured model name.
func (c *Client) GetModelName() string {
	return c.model
}

// respond calls the first tool unless the request forbids tools.
//
//nolint:gocritic // request passed by value for symmetry with Complete
func respond(req llm.CompletionRequest) llm.CompletionResponse {
	if len(req.Tools) == 0 || req.ToolChoice == llm.ToolChoiceNone {
		return llm.CompletionResponse{Content: "Done.", StopReason: "end_turn"}
	}
	return llm.CompletionResponse{
		ToolCalls:  []llm.ToolCall{{ID: "call_1", Name: req.Tools[0].Name, Parameters: map[string]any{}}},
		StopReason: "tool_use",
	}
}
