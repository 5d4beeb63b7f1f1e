// Package openaiofficial adapts the OpenAI Chat Completions API, via the official Go SDK, to llm.LLMClient.
package openaiofficial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// CompletionsClient is the subset of the SDK used by the adapter.
// *openai.ChatCompletionService satisfies it.
type CompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OfficialClient wraps the official OpenAI Go client to implement llm.LLMClient.
//
//nolint:govet // Simple struct, field alignment not critical
type OfficialClient struct {
	completions CompletionsClient
	model       string
}

// NewOfficialClient creates a client from an API key. An empty baseURL uses the SDK default.
func NewOfficialClient(apiKey, model, baseURL string) *OfficialClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return NewWithCompletions(&client.Chat.Completions, model)
}

// NewWithCompletions creates a client over an existing completions service.
func NewWithCompletions(completions CompletionsClient, model string) *OfficialClient {
	return &OfficialClient{completions: completions, model: model}
}

func messageParams(msgs []llm.CompletionMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			// tool results need a preceding assistant tool call, so they travel as user text
			out = append(out, openai.UserMessage(msg.Text()))
		}
	}
	return out
}

func toolParams(tools []llm.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for i := range tools {
		tool := &tools[i]
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		fn := openai.FunctionDefinitionParam{
			Name:       tool.Name,
			Parameters: openai.FunctionParameters(schema),
		}
		if tool.Description != "" {
			fn.Description = openai.String(tool.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

// toolChoiceParam maps a tool choice to its wire value. ok is false for the provider default.
func toolChoiceParam(choice llm.ToolChoice) (openai.ChatCompletionToolChoiceOptionUnionParam, bool) {
	switch choice {
	case llm.ToolChoiceRequired, llm.ToolChoiceAuto, llm.ToolChoiceNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(string(choice))}, true
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, false
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	params := openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: messageParams(in.Messages),
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}
	if in.Temperature > 0 {
		params.Temperature = openai.Float(float64(in.Temperature))
	}
	if len(in.Tools) > 0 {
		params.Tools = toolParams(in.Tools)
		if tc, ok := toolChoiceParam(in.ToolChoice); ok {
			params.ToolChoice = tc
		}
	}

	resp, err := o.completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI chat completions")
	}

	choice := resp.Choices[0]
	out := llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for i := range choice.Message.ToolCalls {
		call := &choice.Message.ToolCalls[i]
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewToolError(llmerrors.ErrorTypeInvalidToolArguments,
					call.Function.Name, call.ID, err, fmt.Sprintf("malformed arguments for tool %s: %v", call.Function.Name, err))
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: call.ID, Name: call.Function.Name, Parameters: args})
	}

	if in.ToolChoice == llm.ToolChoiceRequired && len(in.Tools) > 0 && len(out.ToolCalls) == 0 {
		return out, llmerrors.NewNoToolCallsError(o.model)
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return out, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "OpenAI returned neither content nor tool calls")
	}
	return out, nil
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Response != nil {
			return llmerrors.FromStatus(err, apiErr.StatusCode, apiErr.Response.Header)
		}
		return llmerrors.FromStatus(err, apiErr.StatusCode, nil)
	}
	return llmerrors.FromTransport(err)
}
