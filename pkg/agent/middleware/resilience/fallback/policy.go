// Package fallback relaxes a required tool-choice constraint across retry attempts and builds
// the corrective messages appended after other healable failures.
package fallback

import (
	"errors"
	"fmt"
	"strings"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/llmerrors"
)

// Default healing texts.
const (
	DefaultAutoMessage    = "Tool usage is now optional. Continue the task and call a tool only if it helps."
	DefaultNoneMessage    = "Please respond without tools for now, using the information you already have."
	DefaultNeutralMessage = "Please continue."

	DefaultReformatMessage     = "There was an issue with the response format. Please try again with proper formatting."
	DefaultNoSuchToolMessage   = "Please use one of the available tools instead."
	DefaultInvalidArgsMessage  = "Invalid tool arguments provided. Please check the required parameters and try again."
	DefaultToolFailedMessage   = "Tool execution failed. Please check your parameters and try again."
	DefaultErrorDetailGuidance = "Please continue with the task, working around this issue if possible. " +
		"If this is a tool-related error, please use only the available tools."
)

// Config controls the relaxation sequence and the messages that explain each step to the model.
type Config struct {
	// Sequence is walked by attempt index when the original choice is Required.
	Sequence       []llm.ToolChoice `json:"sequence" yaml:"sequence"`
	AutoMessage    string           `json:"auto_message" yaml:"auto_message"`
	NoneMessage    string           `json:"none_message" yaml:"none_message"`
	NeutralMessage string           `json:"neutral_message" yaml:"neutral_message"`

	ReformatMessage     string `json:"reformat_message" yaml:"reformat_message"`
	NoSuchToolMessage   string `json:"no_such_tool_message" yaml:"no_such_tool_message"`
	InvalidArgsMessage  string `json:"invalid_args_message" yaml:"invalid_args_message"`
	ToolFailedMessage   string `json:"tool_failed_message" yaml:"tool_failed_message"`
	ErrorDetailGuidance string `json:"error_detail_guidance" yaml:"error_detail_guidance"`
}

// DefaultConfig returns the Required -> Auto -> None sequence with the default texts.
func DefaultConfig() Config {
	return Config{
		Sequence:            []llm.ToolChoice{llm.ToolChoiceRequired, llm.ToolChoiceAuto, llm.ToolChoiceNone},
		AutoMessage:         DefaultAutoMessage,
		NoneMessage:         DefaultNoneMessage,
		NeutralMessage:      DefaultNeutralMessage,
		ReformatMessage:     DefaultReformatMessage,
		NoSuchToolMessage:   DefaultNoSuchToolMessage,
		InvalidArgsMessage:  DefaultInvalidArgsMessage,
		ToolFailedMessage:   DefaultToolFailedMessage,
		ErrorDetailGuidance: DefaultErrorDetailGuidance,
	}
}

// Validate checks that the sequence is non-empty and contains only known choices.
func (c Config) Validate() error {
	if len(c.Sequence) == 0 {
		return fmt.Errorf("fallback sequence must not be empty")
	}
	for i, choice := range c.Sequence {
		switch choice {
		case llm.ToolChoiceRequired, llm.ToolChoiceAuto, llm.ToolChoiceNone:
		default:
			return fmt.Errorf("fallback sequence[%d]: unsupported tool choice %q", i, choice)
		}
	}
	return nil
}

// Policy is a pure function of (original choice, attempt index). It holds no state.
type Policy struct {
	config Config
}

// NewPolicy fills empty fields of config from DefaultConfig.
func NewPolicy(config Config) (*Policy, error) {
	def := DefaultConfig()
	if len(config.Sequence) == 0 {
		config.Sequence = def.Sequence
	}
	if config.AutoMessage == "" {
		config.AutoMessage = def.AutoMessage
	}
	if config.NoneMessage == "" {
		config.NoneMessage = def.NoneMessage
	}
	if config.NeutralMessage == "" {
		config.NeutralMessage = def.NeutralMessage
	}
	if config.ReformatMessage == "" {
		config.ReformatMessage = def.ReformatMessage
	}
	if config.NoSuchToolMessage == "" {
		config.NoSuchToolMessage = def.NoSuchToolMessage
	}
	if config.InvalidArgsMessage == "" {
		config.InvalidArgsMessage = def.InvalidArgsMessage
	}
	if config.ToolFailedMessage == "" {
		config.ToolFailedMessage = def.ToolFailedMessage
	}
	if config.ErrorDetailGuidance == "" {
		config.ErrorDetailGuidance = def.ErrorDetailGuidance
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Policy{config: config}, nil
}

// MustPolicy is NewPolicy for configs known to be valid.
func MustPolicy(config Config) *Policy {
	p, err := NewPolicy(config)
	if err != nil {
		panic(err)
	}
	return p
}

// NextToolChoice returns the constraint for the given attempt. Choices other than Required,
// including the provider default, pass through unchanged.
func (p *Policy) NextToolChoice(original llm.ToolChoice, attempt int) llm.ToolChoice {
	if original != llm.ToolChoiceRequired {
		return original
	}
	seq := p.config.Sequence
	idx := min(max(attempt, 0), len(seq)-1)
	return seq[idx]
}

// HealingMessage returns the user-role message appended when relaxing to choice.
func (p *Policy) HealingMessage(choice llm.ToolChoice) llm.CompletionMessage {
	content := p.config.NeutralMessage
	switch choice {
	case llm.ToolChoiceAuto:
		content = p.config.AutoMessage
	case llm.ToolChoiceNone:
		content = p.config.NoneMessage
	}
	return llm.CompletionMessage{Role: llm.RoleUser, Content: content, Healing: true}
}

// Heal returns the message that corrects the failure err for the next attempt, and false when
// healing is HealingNone. Tool errors are answered with a tool result for the failed call;
// tools lists what the request offered.
func (p *Policy) Heal(healing llmerrors.Healing, err error, tools []llm.ToolDefinition) (llm.CompletionMessage, bool) {
	var llmErr *llmerrors.Error
	errors.As(err, &llmErr)

	switch healing {
	case llmerrors.HealingNone:
		return llm.CompletionMessage{}, false
	case llmerrors.HealingContinue:
		return healingMessage(p.config.NeutralMessage), true
	case llmerrors.HealingReformat:
		return healingMessage(p.config.ReformatMessage), true
	case llmerrors.HealingErrorDetail:
		return healingMessage(fmt.Sprintf("I encountered an error while processing your request: %q. %s",
			llmerrors.Detail(err), p.config.ErrorDetailGuidance)), true
	}

	name, callID := "unknown", "unknown"
	if llmErr != nil {
		if llmErr.ToolName != "" {
			name = llmErr.ToolName
		}
		if llmErr.ToolCallID != "" {
			callID = llmErr.ToolCallID
		}
	}

	var content string
	switch healing {
	case llmerrors.HealingNoSuchTool:
		content = fmt.Sprintf("Tool %q is not available in the current mode. Available tools: %s. %s",
			name, toolNames(tools), p.config.NoSuchToolMessage)
	case llmerrors.HealingInvalidToolArguments:
		content = p.config.InvalidArgsMessage
		if llmErr != nil && llmErr.Message != "" {
			content = fmt.Sprintf("%s Details: %s", content, llmErr.Message)
		}
	case llmerrors.HealingToolExecution:
		content = p.config.ToolFailedMessage
	default:
		return llm.CompletionMessage{}, false
	}
	msg := llm.NewToolMessage(name, callID, content)
	msg.Healing = true
	return msg, true
}

func healingMessage(content string) llm.CompletionMessage {
	return llm.CompletionMessage{Role: llm.RoleUser, Content: content, Healing: true}
}

func toolNames(tools []llm.ToolDefinition) string {
	if len(tools) == 0 {
		return "none"
	}
	names := make([]string, len(tools))
	for i := range tools {
		names[i] = tools[i].Name
	}
	return strings.Join(names, ", ")
}

//nolint:gochecknoglobals // stateless default
var defaultPolicy = MustPolicy(DefaultConfig())

// NextToolChoice applies the default policy.
func NextToolChoice(original llm.ToolChoice, attempt int) llm.ToolChoice {
	return defaultPolicy.NextToolChoice(original, attempt)
}

// HealingMessage applies the default policy.
func HealingMessage(choice llm.ToolChoice) llm.CompletionMessage {
	return defaultPolicy.HealingMessage(choice)
}
