// Package openai adapts OpenAI-compatible chat completion servers (vLLM, LM Studio, LocalAI and
// similar) to llm.LLMClient.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// ChatClient is the subset of *openai.Client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// CompatClient talks to a server that implements the OpenAI chat completions endpoint.
type CompatClient struct {
	client ChatClient
	model  string
}

// NewCompatClient creates a client for the server at baseURL, e.g. "http://localhost:8000/v1".
func NewCompatClient(apiKey, model, baseURL string) *CompatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewWithChatClient(openai.NewClientWithConfig(cfg), model)
}

// NewWithChatClient creates a client over an existing chat client.
func NewWithChatClient(client ChatClient, model string) *CompatClient {
	return &CompatClient{client: client, model: model}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // 80 bytes is reasonable for interface compliance
func (o *CompatClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(in.Messages))
	for i := range in.Messages {
		msg := &in.Messages[i]
		role := string(msg.Role)
		if msg.Role == llm.RoleTool {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Text(),
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	}
	if len(in.Tools) > 0 {
		req.Tools = make([]openai.Tool, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]
			req.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}
		if in.ToolChoice != llm.ToolChoiceDefault {
			req.ToolChoice = string(in.ToolChoice)
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from chat completions server")
	}

	choice := resp.Choices[0]
	out := llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
	}
	for _, call := range choice.Message.ToolCalls {
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
	return out, nil
}

// GetModelName returns the model name for this client.
func (o *CompatClient) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatus(err, apiErr.HTTPStatusCode, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return llmerrors.FromStatus(err, reqErr.HTTPStatusCode, nil)
	}
	return llmerrors.FromTransport(err)
}
