package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openErr struct{}

func (openErr) Error() string     { return "circuit breaker is OPEN" }
func (openErr) CircuitOpen() bool { return true }

func TestIsToolChoiceFallbackTriggered(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  bool
	}{
		{"no tool calls", errors.New("Model produced No Tool Calls"), true},
		{"required tool", errors.New("REQUIRED TOOL missing"), true},
		{"must call a tool", errors.New("you must call a tool"), true},
		{"tool choice", errors.New("invalid Tool Choice for model"), true},
		{"rate_limit", errors.New("RATE_LIMIT exceeded"), true},
		{"429", fmt.Errorf("status 429: %w", errors.New("slow down")), true},
		{"unrelated error", errors.New("connection reset by peer"), false},
		{"string is not an error", "must call a tool", false},
		{"nil", nil, false},
		{"typed nil error", error(nil), false},
		{"int", 429, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsToolChoiceFallbackTriggered(tt.input))
		})
	}
}

func TestClassify_Priority(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
		rule     string
		fallback bool
	}{
		{"circuit open", fmt.Errorf("turn: %w", openErr{}), CategoryCircuitOpen, "circuit_open", false},
		{"typed tool choice", NewError(ErrorTypeToolChoice, "model returned no tool calls"), CategoryToolChoice, "typed_tool_choice", true},
		{"typed rate limit", NewErrorWithStatus(ErrorTypeRateLimit, 429, "slow down"), CategoryRateLimited, "typed_rate_limit", true},
		{"typed auth beats text", NewErrorWithStatus(ErrorTypeAuth, 401, "must call a tool"), CategoryFatal, "typed_fatal", false},
		{"typed overloaded", NewError(ErrorTypeOverloaded, "busy"), CategoryTransient, "typed_transient", false},
		{"typed empty response", NewError(ErrorTypeEmptyResponse, "nothing"), CategoryTransient, "typed_empty_response", false},
		{"typed no such tool", NewToolError(ErrorTypeNoSuchTool, "drop_table", "c1", nil, "unknown"), CategoryToolCall, "typed_no_such_tool", false},
		{"typed malformed", NewError(ErrorTypeMalformedResponse, "bad json"), CategoryMalformedResponse, "typed_malformed_response", false},
		{"status 400 tool refusal relaxes", FromStatus(errors.New("model must call a tool when tools are required"), 400, nil), CategoryToolChoice, "typed_tool_choice", true},
		{"tool choice text", errors.New("must call a tool"), CategoryToolChoice, "tool_choice", true},
		{"tool choice wins over rate limit", errors.New("429: no tool calls"), CategoryToolChoice, "tool_choice", true},
		{"rate limit text", errors.New("HTTP 429 Too Many Requests"), CategoryRateLimited, "rate_limit", true},
		{"overloaded", errors.New(`{"type":"overloaded_error"}`), CategoryTransient, "overloaded", false},
		{"auth text", errors.New("401 Unauthorized"), CategoryFatal, "auth", false},
		{"auth status code", errors.New("POST /v1/messages: status 403"), CategoryFatal, "auth_status", false},
		{"request id is not a status", errors.New("upstream connection reset (request id req_84013)"), CategoryTransient, "unclassified", false},
		{"timing is not a status", errors.New("upstream stalled after 401ms"), CategoryTransient, "unclassified", false},
		{"version is not a status", errors.New("gateway v2.403 restarted"), CategoryTransient, "unclassified", false},
		{"malformed", errors.New("invalid_request_error: messages empty"), CategoryFatal, "malformed_request", false},
		{"no such tool text", errors.New("AI_NoSuchToolError: no such tool: drop_table"), CategoryToolCall, "no_such_tool", false},
		{"invalid tool arguments text", errors.New("Invalid tool arguments for read_file"), CategoryToolCall, "invalid_tool_arguments", false},
		{"tool execution text", errors.New("tool execution failed: exit status 1"), CategoryToolCall, "tool_execution", false},
		{"json parse text", errors.New("decode: unexpected end of JSON input"), CategoryMalformedResponse, "malformed_response", false},
		{"no content text", errors.New("No content generated"), CategoryTransient, "empty_response", false},
		{"deadline is transient", context.DeadlineExceeded, CategoryTransient, "unclassified", false},
		{"unclassified", errors.New("something odd"), CategoryTransient, "unclassified", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.category, got.Category, "category")
			assert.Equal(t, tt.rule, got.Rule, "rule")
			assert.Equal(t, tt.fallback, got.Fallback, "fallback")
		})
	}
}

func TestClassify_AgreesWithFallbackTrigger(t *testing.T) {
	for _, p := range FallbackPatterns {
		err := errors.New("provider said: " + p)
		assert.True(t, IsToolChoiceFallbackTriggered(err), p)
		assert.True(t, Classify(err).Fallback, p)
	}
}

func TestClassifier_RateLimitWithoutFallback(t *testing.T) {
	c := NewClassifier(false)

	got := c.Classify(errors.New("rate_limit exceeded"))
	assert.Equal(t, CategoryRateLimited, got.Category)
	assert.False(t, got.Fallback)

	got = c.Classify(errors.New("must call a tool"))
	assert.True(t, got.Fallback)
}

func TestClassifier_WithRules(t *testing.T) {
	quota := errors.New("quota exhausted for project")
	base := NewClassifier(true)
	c := base.WithRules(Rule{Name: "quota", Category: CategoryFatal, Match: MatchIs(quota)})

	assert.Equal(t, CategoryFatal, c.Classify(fmt.Errorf("wrapped: %w", quota)).Category)
	assert.Equal(t, CategoryTransient, base.Classify(quota).Category, "base classifier unchanged")
	require.Len(t, c.Rules(), len(base.Rules())+1)
	assert.Equal(t, "quota", c.Rules()[0].Name)
}

func TestClassify_Healing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Healing
	}{
		{"empty response", NewError(ErrorTypeEmptyResponse, "nothing"), HealingContinue},
		{"malformed", NewError(ErrorTypeMalformedResponse, "bad json"), HealingReformat},
		{"no such tool", NewToolError(ErrorTypeNoSuchTool, "x", "", nil, "unknown"), HealingNoSuchTool},
		{"invalid arguments", NewToolError(ErrorTypeInvalidToolArguments, "x", "", nil, "bad"), HealingInvalidToolArguments},
		{"tool execution", NewToolError(ErrorTypeToolExecution, "x", "", nil, "boom"), HealingToolExecution},
		{"tool choice relaxes instead", errors.New("must call a tool"), HealingNone},
		{"transient backs off only", NewError(ErrorTypeTransient, "503"), HealingNone},
		{"unclassified", errors.New("something odd"), HealingNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Healing)
		})
	}
}

func TestClassifier_ErrorDetailHealing(t *testing.T) {
	c := NewClassifier(true).WithErrorDetailHealing(true)

	got := c.Classify(errors.New("something odd"))
	assert.Equal(t, CategoryTransient, got.Category)
	assert.Equal(t, HealingErrorDetail, got.Healing)

	assert.Equal(t, HealingNone, c.Classify(NewError(ErrorTypeTransient, "503")).Healing, "matched rules keep their healing")
	assert.Equal(t, HealingErrorDetail, c.WithRules().Classify(errors.New("odd")).Healing, "WithRules keeps the setting")
}

func TestClassify_Nil(t *testing.T) {
	got := Classify(nil)
	assert.Equal(t, CategoryTransient, got.Category)
	assert.Empty(t, got.Rule)
	assert.False(t, got.Fallback)
}

func TestCategory_Retryable(t *testing.T) {
	assert.True(t, CategoryTransient.Retryable())
	assert.True(t, CategoryToolChoice.Retryable())
	assert.True(t, CategoryRateLimited.Retryable())
	assert.False(t, CategoryFatal.Retryable())
	assert.False(t, CategoryCircuitOpen.Retryable())
	assert.True(t, CategoryToolCall.Retryable())
	assert.True(t, CategoryMalformedResponse.Retryable())
	assert.Equal(t, "rate_limited", CategoryRateLimited.String())
}
