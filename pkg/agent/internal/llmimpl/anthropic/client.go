// Package anthropic adapts the Anthropic Messages API to llm.LLMClient.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// MessagesClient is the subset of the SDK used by the adapter. *anthropic.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeClient wraps the Anthropic API client to implement llm.LLMClient.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	messages MessagesClient
	model    anthropic.Model
}

// NewClaudeClient creates a client from an API key. An empty baseURL uses the SDK default.
func NewClaudeClient(apiKey, model, baseURL string) *ClaudeClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return NewWithMessages(&client.Messages, model)
}

// NewWithMessages creates a client over an existing messages service.
func NewWithMessages(messages MessagesClient, model string) *ClaudeClient {
	return &ClaudeClient{messages: messages, model: anthropic.Model(model)}
}

// ensureAlternation prepares messages for the Anthropic API:
// system messages move to the top-level system parameter, consecutive non-assistant messages
// (tool results included) merge into one user message, and the sequence must start and end with a user message.
func ensureAlternation(messages []llm.CompletionMessage) (systemPrompt string, alternating []llm.CompletionMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var nonSystem []llm.CompletionMessage
	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleSystem {
			systemParts = append(systemParts, msg.Content)
		} else {
			nonSystem = append(nonSystem, *msg)
		}
	}
	systemPrompt = strings.Join(systemParts, "\n\n")

	if len(nonSystem) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []llm.CompletionMessage
	var userParts []string
	flush := func() {
		if len(userParts) > 0 {
			merged = append(merged, llm.CompletionMessage{Role: llm.RoleUser, Content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}
	for i := range nonSystem {
		msg := &nonSystem[i]
		if msg.Role == llm.RoleAssistant {
			flush()
			merged = append(merged, *msg)
			continue
		}
		userParts = append(userParts, msg.Text())
	}
	flush()

	if merged[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	if last := merged[len(merged)-1]; last.Role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", last.Role)
	}

	return systemPrompt, merged, nil
}

// toolChoiceParam maps a tool choice to the Anthropic union. ok is false for the provider default.
func toolChoiceParam(choice llm.ToolChoice) (param anthropic.ToolChoiceUnionParam, ok bool) {
	switch choice {
	case llm.ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}, true
	case llm.ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}, true
	case llm.ToolChoiceNone:
		none := anthropic.NewToolChoiceNoneParam()
		return anthropic.ToolChoiceUnionParam{OfNone: &none}, true
	default:
		return anthropic.ToolChoiceUnionParam{}, false
	}
}

func toolParams(tools []llm.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for i := range tools {
		tool := &tools[i]
		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if props, ok := tool.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(tool.InputSchema["required"])

		u := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, u)
	}
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, alternating, err := ensureAlternation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err,
			fmt.Sprintf("message alternation error: %v", err))
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for i := range alternating {
		block := anthropic.NewTextBlock(alternating[i].Content)
		if alternating[i].Role == llm.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(in.Tools) > 0 {
		params.Tools = toolParams(in.Tools)
		if tc, ok := toolChoiceParam(in.ToolChoice); ok {
			params.ToolChoice = tc
		}
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var out llm.CompletionResponse
	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return llm.CompletionResponse{}, llmerrors.NewToolError(llmerrors.ErrorTypeInvalidToolArguments,
						block.Name, block.ID, err, fmt.Sprintf("failed to parse tool input: %v", err))
				}
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Parameters: args})
		}
	}
	out.Content = text.String()
	out.StopReason = string(resp.StopReason)

	if in.ToolChoice == llm.ToolChoiceRequired && len(in.Tools) > 0 && len(out.ToolCalls) == 0 {
		return out, llmerrors.NewNoToolCallsError(string(c.model))
	}
	return out, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// classifyError maps Anthropic SDK errors to llmerrors types.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var e *llmerrors.Error
		if apiErr.Response != nil {
			e = llmerrors.FromStatus(err, apiErr.StatusCode, apiErr.Response.Header)
		} else {
			e = llmerrors.FromStatus(err, apiErr.StatusCode, nil)
		}
		if e.Type == llmerrors.ErrorTypeUnknown && strings.Contains(strings.ToLower(err.Error()), "overloaded") {
			e.Type = llmerrors.ErrorTypeOverloaded
		}
		return e
	}
	return llmerrors.FromTransport(err)
}
