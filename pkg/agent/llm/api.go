// Package llm provides the request/response types and client interface for tool-calling models.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant CompletionRole = "assistant"
	// RoleTool indicates a tool result fed back to the model.
	RoleTool CompletionRole = "tool"
)

// TemperatureDefault is used when a request leaves Temperature unset.
const TemperatureDefault = 0.3

// ToolChoice constrains whether the model must, may, or must not call tools.
// The zero value leaves the decision to the provider's default.
type ToolChoice string

const (
	ToolChoiceDefault  ToolChoice = ""
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
)

// ParseToolChoice accepts the canonical names plus "any", which some providers use for required.
func ParseToolChoice(s string) (ToolChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ToolChoiceDefault, nil
	case "required", "any":
		return ToolChoiceRequired, nil
	case "auto":
		return ToolChoiceAuto, nil
	case "none":
		return ToolChoiceNone, nil
	default:
		return ToolChoiceDefault, fmt.Errorf("unknown tool choice %q", s)
	}
}

// String returns the canonical name, or "default" for the zero value.
func (c ToolChoice) String() string {
	if c == ToolChoiceDefault {
		return "default"
	}
	return string(c)
}

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole `json:"role"`
	Content string         `json:"content"`
	// Healing marks a synthetic message appended after a failed attempt.
	Healing bool `json:"healing,omitempty"`
	// ToolName and ToolCallID identify the call a RoleTool message answers.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Text returns the content for providers that only accept user and assistant turns.
// Tool results are prefixed with the tool they answer.
func (m *CompletionMessage) Text() string {
	if m.Role != RoleTool {
		return m.Content
	}
	name := m.ToolName
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("[tool result for %s] %s", name, m.Content)
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
}

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionResponse struct {
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason,omitempty"`
}

// LLMClient is the model service the resilience layer invokes.
type LLMClient interface { //nolint:revive // name shared with the provider adapters
	// Complete runs one model invocation.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewToolMessage creates a tool result message.
func NewToolMessage(toolName, toolCallID, content string) CompletionMessage {
	return CompletionMessage{Role: RoleTool, Content: content, ToolName: toolName, ToolCallID: toolCallID}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// CloneMessages returns a copy of msgs that can be appended to without aliasing the caller's slice.
func CloneMessages(msgs []CompletionMessage) []CompletionMessage {
	out := make([]CompletionMessage, len(msgs), len(msgs)+2)
	copy(out, msgs)
	return out
}
