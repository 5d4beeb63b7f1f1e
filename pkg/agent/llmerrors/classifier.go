package llmerrors

import (
	"errors"
	"regexp"
	"slices"
	"strings"
)

// Category is the resilience-level classification of a failed attempt.
type Category int8

const (
	// CategoryTransient is retried with backoff only.
	CategoryTransient Category = iota
	// CategoryToolChoice is retried after relaxing the tool-choice constraint.
	CategoryToolChoice
	// CategoryRateLimited is retried with backoff and, by default, tool-choice relaxation.
	CategoryRateLimited
	// CategoryFatal is never retried.
	CategoryFatal
	// CategoryCircuitOpen means the attempt was refused by a breaker.
	CategoryCircuitOpen
	// CategoryToolCall is a bad tool call by the model, retried after a tool-result correction.
	CategoryToolCall
	// CategoryMalformedResponse is an unparseable response, retried after asking for proper formatting.
	CategoryMalformedResponse
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryToolChoice:
		return "tool_choice"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryFatal:
		return "fatal"
	case CategoryCircuitOpen:
		return "circuit_open"
	case CategoryToolCall:
		return "tool_call"
	case CategoryMalformedResponse:
		return "malformed_response"
	default:
		return "invalid"
	}
}

// Retryable reports whether another attempt may follow a failure of this category.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryToolChoice, CategoryRateLimited, CategoryToolCall, CategoryMalformedResponse:
		return true
	default:
		return false
	}
}

// Healing names the corrective message appended to the conversation before the next attempt.
// Tool-choice relaxation carries its own message and is not a Healing.
type Healing string

const (
	HealingNone                 Healing = ""
	HealingContinue             Healing = "continue"
	HealingReformat             Healing = "reformat"
	HealingNoSuchTool           Healing = "no_such_tool"
	HealingInvalidToolArguments Healing = "invalid_tool_arguments"
	HealingToolExecution        Healing = "tool_execution"
	// HealingErrorDetail feeds the error text back to the model.
	HealingErrorDetail Healing = "error_detail"
)

// Classification is the outcome of running an error through a Classifier.
type Classification struct {
	Rule     string
	Healing  Healing
	Category Category
	// Fallback reports whether the tool-choice constraint should be relaxed.
	Fallback bool
}

// Matcher inspects an error. msg is err.Error() lowercased.
type Matcher func(err error, msg string) bool

// Rule maps matching errors to a category. Rules are evaluated in order; the first match wins.
type Rule struct {
	Match    Matcher
	Name     string
	Healing  Healing
	Category Category
}

// MatchSubstring matches when the lowercased message contains any of patterns.
func MatchSubstring(patterns ...string) Matcher {
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return func(_ error, msg string) bool {
		for _, p := range lowered {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
}

// MatchRegexp matches when the lowercased message matches expr.
func MatchRegexp(expr string) Matcher {
	re := regexp.MustCompile(expr)
	return func(_ error, msg string) bool {
		return re.MatchString(msg)
	}
}

// MatchType matches errors annotated by a provider adapter with one of types.
func MatchType(types ...ErrorType) Matcher {
	return func(err error, _ string) bool {
		var llmErr *Error
		if !errors.As(err, &llmErr) {
			return false
		}
		return slices.Contains(types, llmErr.Type)
	}
}

// MatchIs matches errors wrapping target.
func MatchIs(target error) Matcher {
	return func(err error, _ string) bool {
		return errors.Is(err, target)
	}
}

type circuitOpener interface {
	CircuitOpen() bool
}

func matchCircuitOpen(err error, _ string) bool {
	var co circuitOpener
	return errors.As(err, &co) && co.CircuitOpen()
}

// FallbackPatterns are the message fragments that trigger tool-choice relaxation.
//
//nolint:gochecknoglobals // read-only table
var FallbackPatterns = []string{
	"no tool calls",
	"required tool",
	"must call a tool",
	"tool choice",
	"rate_limit",
	"429",
}

// toolChoicePatterns are the FallbackPatterns that name the tool-choice constraint itself.
func toolChoicePatterns() []string {
	return FallbackPatterns[:4]
}

// IsToolChoiceFallbackTriggered reports whether v is an error whose message contains one of
// FallbackPatterns, case-insensitively. Non-error values return false.
func IsToolChoiceFallbackTriggered(v any) bool {
	err, ok := v.(error)
	if !ok || err == nil {
		return false
	}
	return MatchSubstring(FallbackPatterns...)(err, strings.ToLower(err.Error()))
}

// DefaultRules returns the built-in rule table in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "circuit_open", Category: CategoryCircuitOpen, Match: matchCircuitOpen},

		// Provider adapters annotate what they can recognise from status codes and response bodies.
		{Name: "typed_tool_choice", Category: CategoryToolChoice, Match: MatchType(ErrorTypeToolChoice)},
		{Name: "typed_rate_limit", Category: CategoryRateLimited, Match: MatchType(ErrorTypeRateLimit)},
		{Name: "typed_no_such_tool", Category: CategoryToolCall, Healing: HealingNoSuchTool, Match: MatchType(ErrorTypeNoSuchTool)},
		{Name: "typed_invalid_tool_arguments", Category: CategoryToolCall, Healing: HealingInvalidToolArguments, Match: MatchType(ErrorTypeInvalidToolArguments)},
		{Name: "typed_tool_execution", Category: CategoryToolCall, Healing: HealingToolExecution, Match: MatchType(ErrorTypeToolExecution)},
		{Name: "typed_malformed_response", Category: CategoryMalformedResponse, Healing: HealingReformat, Match: MatchType(ErrorTypeMalformedResponse)},
		{Name: "typed_empty_response", Category: CategoryTransient, Healing: HealingContinue, Match: MatchType(ErrorTypeEmptyResponse)},
		{Name: "typed_fatal", Category: CategoryFatal, Match: MatchType(ErrorTypeAuth, ErrorTypeBadPrompt)},
		{Name: "typed_transient", Category: CategoryTransient, Match: MatchType(ErrorTypeTransient, ErrorTypeOverloaded)},

		{Name: "tool_choice", Category: CategoryToolChoice, Match: MatchSubstring(toolChoicePatterns()...)},
		{Name: "rate_limit", Category: CategoryRateLimited, Match: MatchSubstring(FallbackPatterns[4:]...)},
		{Name: "no_such_tool", Category: CategoryToolCall, Healing: HealingNoSuchTool, Match: MatchSubstring(
			"no such tool", "nosuchtoolerror", "unknown tool", "tool not found",
		)},
		{Name: "invalid_tool_arguments", Category: CategoryToolCall, Healing: HealingInvalidToolArguments, Match: MatchSubstring(
			"invalid tool arguments", "invalidtoolargumentserror",
		)},
		{Name: "tool_execution", Category: CategoryToolCall, Healing: HealingToolExecution, Match: MatchSubstring(
			"tool execution failed", "toolexecutionerror",
		)},
		{Name: "malformed_response", Category: CategoryMalformedResponse, Healing: HealingReformat, Match: MatchSubstring(
			"jsonparseerror", "json parse error", "unexpected end of json input",
		)},
		{Name: "empty_response", Category: CategoryTransient, Healing: HealingContinue, Match: MatchSubstring(
			"no content generated", "empty response body",
		)},
		{Name: "overloaded", Category: CategoryTransient, Match: MatchSubstring("overloaded")},
		{Name: "auth", Category: CategoryFatal, Match: MatchSubstring(
			"unauthorized", "forbidden", "invalid api key", "invalid x-api-key", "authentication_error",
		)},
		// Status codes only count when they stand alone, not inside request IDs or timings.
		{Name: "auth_status", Category: CategoryFatal, Match: MatchRegexp(`(^|[^\w.])40[13]([^\w.]|$)`)},
		{Name: "malformed_request", Category: CategoryFatal, Match: MatchSubstring(
			"invalid_request_error", "malformed request",
		)},
	}
}

// Classifier evaluates a prioritized rule table. Errors no rule matches are transient.
type Classifier struct {
	rules             []Rule
	rateLimitFallback bool
	errorDetail       bool
}

// NewClassifier creates a classifier over DefaultRules.
// When rateLimitFallback is false, rate-limited attempts back off without relaxing tool choice.
func NewClassifier(rateLimitFallback bool) *Classifier {
	return &Classifier{rules: DefaultRules(), rateLimitFallback: rateLimitFallback}
}

// WithRules returns a copy of c with extra rules evaluated before the existing ones.
func (c *Classifier) WithRules(rules ...Rule) *Classifier {
	merged := make([]Rule, 0, len(rules)+len(c.rules))
	merged = append(merged, rules...)
	merged = append(merged, c.rules...)
	return &Classifier{rules: merged, rateLimitFallback: c.rateLimitFallback, errorDetail: c.errorDetail}
}

// WithErrorDetailHealing returns a copy of c that heals unclassified errors by feeding their
// text back to the model.
func (c *Classifier) WithErrorDetailHealing(enabled bool) *Classifier {
	return &Classifier{rules: c.rules, rateLimitFallback: c.rateLimitFallback, errorDetail: enabled}
}

// Rules returns a copy of the rule table.
func (c *Classifier) Rules() []Rule {
	return slices.Clone(c.rules)
}

// Classify maps err to a Classification. A nil error classifies as transient with no rule.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryTransient}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range c.rules {
		if r.Match != nil && r.Match(err, msg) {
			return c.classification(r.Name, r.Category, r.Healing)
		}
	}
	healing := HealingNone
	if c.errorDetail {
		healing = HealingErrorDetail
	}
	return c.classification("unclassified", CategoryTransient, healing)
}

func (c *Classifier) classification(rule string, cat Category, healing Healing) Classification {
	fallback := cat == CategoryToolChoice || (cat == CategoryRateLimited && c.rateLimitFallback)
	return Classification{Rule: rule, Category: cat, Fallback: fallback, Healing: healing}
}

//nolint:gochecknoglobals // stateless default
var defaultClassifier = NewClassifier(true)

// Classify runs err through the default classifier.
func Classify(err error) Classification {
	return defaultClassifier.Classify(err)
}
