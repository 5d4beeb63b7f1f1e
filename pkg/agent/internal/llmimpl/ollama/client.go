// Package ollama adapts a local Ollama server to llm.LLMClient.
// Ollama has no tool-choice parameter: None is expressed by withholding tools, and Required is
// checked after the response arrives.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// DefaultHost is used when the configured host URL cannot be parsed.
const DefaultHost = "http://localhost:11434"

// ChatClient is the subset of *api.Client used by the adapter.
type ChatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Client wraps the Ollama API client to implement llm.LLMClient.
type Client struct {
	client ChatClient
	model  string
}

// NewOllamaClientWithModel creates a client for the server at hostURL (e.g. "http://localhost:11434").
func NewOllamaClientWithModel(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		parsed, _ = url.Parse(DefaultHost)
	}
	return NewWithChatClient(api.NewClient(parsed, http.DefaultClient), model)
}

// NewWithChatClient creates a client over an existing chat client.
func NewWithChatClient(client ChatClient, model string) *Client {
	return &Client{client: client, model: model}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessagesToOllama(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err,
			fmt.Sprintf("message conversion error: %v", err))
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 && in.ToolChoice != llm.ToolChoiceNone {
		tools, err := convertToolsToOllama(in.Tools)
		if err != nil {
			return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "tool conversion error")
		}
		req.Tools = tools
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	result := llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: getStopReason(&response),
	}
	if len(response.Message.ToolCalls) > 0 {
		result.ToolCalls, err = convertToolCallsFromOllama(response.Message.ToolCalls)
		if err != nil {
			return llm.CompletionResponse{}, err
		}
	}

	if in.ToolChoice == llm.ToolChoiceRequired && len(in.Tools) > 0 && len(result.ToolCalls) == 0 {
		return result, llmerrors.NewNoToolCallsError(o.model)
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return result, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Ollama returned neither content nor tool calls")
	}
	return result, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

func convertMessagesToOllama(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		result = append(result, api.Message{
			Role:       string(messages[i].Role),
			Content:    messages[i].Content,
			ToolName:   messages[i].ToolName,
			ToolCallID: messages[i].ToolCallID,
		})
	}
	return result, nil
}

// convertToolsToOllama goes through JSON so the schema map lands in Ollama's ordered property types.
func convertToolsToOllama(defs []llm.ToolDefinition) (api.Tools, error) {
	out := make(api.Tools, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		params := def.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		raw, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  params,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		var tool api.Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		out = append(out, tool)
	}
	return out, nil
}

func convertToolCallsFromOllama(calls []api.ToolCall) ([]llm.ToolCall, error) {
	result := make([]llm.ToolCall, 0, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}

		raw, err := json.Marshal(call.Function.Arguments)
		if err != nil {
			return nil, llmerrors.NewToolError(llmerrors.ErrorTypeInvalidToolArguments, call.Function.Name, id, err,
				fmt.Sprintf("tool call %s: %v", call.Function.Name, err))
		}
		var params map[string]any
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, llmerrors.NewToolError(llmerrors.ErrorTypeInvalidToolArguments, call.Function.Name, id, err,
				fmt.Sprintf("tool call %s: %v", call.Function.Name, err))
		}
		result = append(result, llm.ToolCall{ID: id, Name: call.Function.Name, Parameters: params})
	}
	return result, nil
}

// getStopReason converts Ollama's done_reason to the stop reasons used elsewhere.
func getStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		e := llmerrors.FromStatus(err, statusErr.StatusCode, nil)
		msg := strings.ToLower(statusErr.ErrorMessage)
		if strings.Contains(msg, "model") && strings.Contains(msg, "not found") {
			e.Type = llmerrors.ErrorTypeBadPrompt
		}
		if strings.Contains(msg, "does not support tools") {
			e.Type = llmerrors.ErrorTypeToolChoice
		}
		return e
	}
	if strings.Contains(err.Error(), "connection refused") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	}
	return llmerrors.FromTransport(err)
}
