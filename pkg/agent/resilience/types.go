package resilience

import (
	"time"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/middleware/resilience/circuit"
)

// TurnRequest is one logical model invocation, possibly satisfied after several attempts.
type TurnRequest struct {
	// TurnID correlates logs and spans; generated when empty.
	TurnID string `json:"turn_id,omitempty"`
	// Scope selects the breaker when a per-scope breaker source is configured.
	Scope       string                  `json:"scope,omitempty"`
	Messages    []llm.CompletionMessage `json:"messages"`
	Tools       []llm.ToolDefinition    `json:"tools,omitempty"`
	ToolChoice  llm.ToolChoice          `json:"tool_choice,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float32                 `json:"temperature,omitempty"`
}

// TurnOutput is the successful result of a turn together with how it was obtained.
type TurnOutput struct {
	TurnID   string                  `json:"turn_id"`
	Response llm.CompletionResponse  `json:"response"`
	Messages []llm.CompletionMessage `json:"messages"`
	// ToolChoice is the constraint in force for the successful attempt.
	ToolChoice llm.ToolChoice   `json:"tool_choice"`
	Attempts   []RetryAttempt   `json:"attempts"`
	Breaker    circuit.Snapshot `json:"breaker"`
}

// RetryAttempt records a single attempt within a turn.
type RetryAttempt struct {
	StartedAt  time.Time      `json:"started_at"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
	ToolChoice llm.ToolChoice `json:"tool_choice"`
	Category   string         `json:"category,omitempty"`
	Rule       string         `json:"rule,omitempty"`
	// FallbackTo is set when this failure relaxed the tool choice for the next attempt.
	FallbackTo llm.ToolChoice `json:"fallback_to,omitempty"`
	// Healing names the corrective message this failure appended, if any.
	Healing string `json:"healing,omitempty"`
	Index      int            `json:"index"`
	Duration   time.Duration  `json:"duration"`
	// Delay is the backoff waited before the next attempt.
	Delay time.Duration `json:"delay,omitempty"`
}

// Succeeded reports whether the attempt returned a response.
func (a RetryAttempt) Succeeded() bool {
	return a.Err == nil
}

// RetryHook observes a failed attempt before the backoff wait.
type RetryHook func(attempt RetryAttempt, delay time.Duration)
