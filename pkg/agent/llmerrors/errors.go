// Package llmerrors provides structured model-service errors and the rule table that classifies them.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType is the provider-level kind of a model-service error.
type ErrorType int8

const (
	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeOverloaded represents a provider reporting it is overloaded.
	ErrorTypeOverloaded
	// ErrorTypeEmptyResponse represents HTTP 200 but no content errors.
	ErrorTypeEmptyResponse
	// ErrorTypeToolChoice represents a model that ignored or rejected the tool-choice constraint.
	ErrorTypeToolChoice
	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed request errors.
	ErrorTypeBadPrompt
	// ErrorTypeNoSuchTool represents a call to a tool the request did not offer.
	ErrorTypeNoSuchTool
	// ErrorTypeInvalidToolArguments represents tool-call arguments that do not fit the tool's schema.
	ErrorTypeInvalidToolArguments
	// ErrorTypeToolExecution represents a tool that failed while running a model's call.
	ErrorTypeToolExecution
	// ErrorTypeMalformedResponse represents a response body that could not be parsed.
	ErrorTypeMalformedResponse
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeOverloaded:
		return "overloaded"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeToolChoice:
		return "tool_choice"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeNoSuchTool:
		return "no_such_tool"
	case ErrorTypeInvalidToolArguments:
		return "invalid_tool_arguments"
	case ErrorTypeToolExecution:
		return "tool_execution"
	case ErrorTypeMalformedResponse:
		return "malformed_response"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error represents a model-service error annotated by a provider adapter.
type Error struct {
	Err        error         // Wrapped underlying error
	Message    string        // Human-readable error message
	BodyStub   string        // First portion of response body
	Type       ErrorType     // Provider-level error type
	StatusCode int           // HTTP status code if applicable
	RetryAfter time.Duration // Server-requested delay, zero if none

	// Set for tool-level errors.
	ToolName       string
	ToolCallID     string
	AvailableTools []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not annotated.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return 0
}

// NewError creates a new annotated error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a new annotated error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a new annotated error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewToolError creates a tool-level error for the call identified by toolName and toolCallID.
func NewToolError(errorType ErrorType, toolName, toolCallID string, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message, ToolName: toolName, ToolCallID: toolCallID}
}

// Detail renders err with the status, body, tool and available tools it carries, for feeding
// back to the model.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	var llmErr *Error
	if !errors.As(err, &llmErr) {
		return detail
	}
	if llmErr.StatusCode != 0 {
		detail = fmt.Sprintf("%s (Status: %d)", detail, llmErr.StatusCode)
	}
	if llmErr.BodyStub != "" {
		body := llmErr.BodyStub
		if len(body) > 200 {
			body = body[:200]
		}
		detail = fmt.Sprintf("%s - Response: %s", detail, body)
	}
	if llmErr.ToolName != "" {
		detail = fmt.Sprintf("%s (Tool: %s)", detail, llmErr.ToolName)
	}
	if len(llmErr.AvailableTools) > 0 {
		detail = fmt.Sprintf("%s - Available tools: %s", detail, strings.Join(llmErr.AvailableTools, ", "))
	}
	return detail
}

// TypeForStatus maps an HTTP status code to an error type. ok is false for codes it does not know.
func TypeForStatus(status int) (ErrorType, bool) {
	switch {
	case status == 429:
		return ErrorTypeRateLimit, true
	case status == 529:
		return ErrorTypeOverloaded, true
	case status == 401 || status == 403:
		return ErrorTypeAuth, true
	case status == 400 || status == 404 || status == 413 || status == 422:
		return ErrorTypeBadPrompt, true
	case status >= 500 && status <= 599, status == 408:
		return ErrorTypeTransient, true
	default:
		return ErrorTypeUnknown, false
	}
}

// SanitizePrompt creates a safe representation of a prompt for logging.
// For large prompts, it returns first/last portions plus a hash of the full content.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}
	if 2*halfMax >= len(prompt) {
		return prompt
	}

	first := prompt[:halfMax]
	last := prompt[len(prompt)-halfMax:]
	hash := sha256.Sum256([]byte(prompt))
	hashStr := fmt.Sprintf("%x", hash)[:16]

	return fmt.Sprintf("%s...[%d chars, hash:%s]...%s", first, len(prompt), hashStr, last)
}

// NewNoToolCallsError reports a response without tool calls to a request that required one.
func NewNoToolCallsError(model string) *Error {
	return NewError(ErrorTypeToolChoice, fmt.Sprintf("model %s returned no tool calls although a tool call was required", model))
}
