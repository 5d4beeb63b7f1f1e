// Package google adapts the Gemini API to llm.LLMClient.
package google

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/genai"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// ModelsClient is the subset of the SDK used by the adapter. *genai.Models satisfies it.
type ModelsClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient wraps the Google GenAI client to implement llm.LLMClient.
type GeminiClient struct {
	mu     sync.Mutex
	models ModelsClient
	apiKey string
	model  string
}

// NewGeminiClientWithModel creates a client. The SDK client needs a context, so it is created on
// first use.
func NewGeminiClientWithModel(apiKey, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

// NewWithModels creates a client over an existing models service.
func NewWithModels(models ModelsClient, model string) *GeminiClient {
	return &GeminiClient{models: models, model: model}
}

func (g *GeminiClient) modelsClient(ctx context.Context) (ModelsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.models != nil {
		return g.models, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.models = client.Models
	return g.models, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	models, err := g.modelsClient(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err,
			fmt.Sprintf("message conversion error: %v", err))
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // bounded by config validation
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertToolsToGemini(in.Tools)}}
		if mode, ok := functionCallingMode(in.ToolChoice); ok {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode},
			}
		}
	}

	result, err := models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	response := llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: getStopReason(result),
	}
	if calls := result.FunctionCalls(); len(calls) > 0 {
		response.ToolCalls = convertFunctionCallsFromGemini(calls)
	}

	if in.ToolChoice == llm.ToolChoiceRequired && len(in.Tools) > 0 && len(response.ToolCalls) == 0 {
		return response, llmerrors.NewNoToolCallsError(g.model)
	}
	if response.Content == "" && len(response.ToolCalls) == 0 {
		return response, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Gemini returned neither text nor function calls")
	}
	return response, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

func functionCallingMode(choice llm.ToolChoice) (genai.FunctionCallingConfigMode, bool) {
	switch choice {
	case llm.ToolChoiceRequired:
		return genai.FunctionCallingConfigModeAny, true
	case llm.ToolChoiceAuto:
		return genai.FunctionCallingConfigModeAuto, true
	case llm.ToolChoiceNone:
		return genai.FunctionCallingConfigModeNone, true
	default:
		return "", false
	}
}

// convertMessagesToGemini returns the contents and the joined system instruction.
func convertMessagesToGemini(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var system []string
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		var role string
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
			continue
		case llm.RoleUser, llm.RoleTool:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}
		if msg.Content == "" {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: msg.Text()}}})
	}
	if len(contents) == 0 {
		return nil, "", fmt.Errorf("must have at least one non-system message")
	}
	return contents, strings.Join(system, "\n\n"), nil
}

func convertToolsToGemini(defs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		params := schemaFromMap(def.InputSchema)
		params.Type = genai.TypeObject
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		}
	}
	return declarations
}

// schemaFromMap converts a JSON-schema map into Gemini's schema type. Unknown types become strings.
func schemaFromMap(m map[string]any) *genai.Schema {
	schema := &genai.Schema{}
	if m == nil {
		return schema
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	switch m["type"] {
	case "object":
		schema.Type = genai.TypeObject
	case "array":
		schema.Type = genai.TypeArray
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	default:
		schema.Type = genai.TypeString
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			pm, _ := p.(map[string]any)
			schema.Properties[name] = schemaFromMap(pm)
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = schemaFromMap(items)
	}
	schema.Enum = stringList(m["enum"])
	schema.Required = stringList(m["required"])
	return schema
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// convertFunctionCallsFromGemini uses the function name as ID when Gemini omits one.
func convertFunctionCallsFromGemini(calls []*genai.FunctionCall) []llm.ToolCall {
	toolCalls := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call == nil {
			continue
		}
		id := call.ID
		if id == "" {
			id = call.Name
		}
		toolCalls = append(toolCalls, llm.ToolCall{ID: id, Name: call.Name, Parameters: call.Args})
	}
	return toolCalls
}

func getStopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return "unknown"
	}
	switch reason := result.Candidates[0].FinishReason; reason {
	case genai.FinishReasonStop, "":
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return strings.ToLower(string(reason))
	}
}

// classifyError reads the status code from the SDK's "Error <code>, Message: ..." text.
func classifyError(err error) error {
	if code := extractStatusCode(err.Error()); code != 0 {
		e := llmerrors.FromStatus(err, code, nil)
		if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
			e.Type = llmerrors.ErrorTypeRateLimit
		}
		return e
	}
	return llmerrors.FromTransport(err)
}

func extractStatusCode(msg string) int {
	idx := strings.Index(msg, "Error ")
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len("Error "):]
	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end < 0 {
		end = len(rest)
	}
	code, err := strconv.Atoi(rest[:end])
	if err != nil || code < 100 || code > 599 {
		return 0
	}
	return code
}
