// Package config loads the streamguard configuration file and provider secrets.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Supported providers. ProviderOpenAICompat is any server implementing the OpenAI chat
// completions endpoint. ProviderMock replays provider.mock_script without network access.
const (
	ProviderAnthropic    = "anthropic"
	ProviderOpenAI       = "openai"
	ProviderOllama       = "ollama"
	ProviderGoogle       = "google"
	ProviderOpenAICompat = "openai_compat"
	ProviderMock         = "mock"
)

// Default model per provider.
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultOllamaModel    = "llama3.1"
	DefaultGoogleModel    = "gemini-2.5-flash"
	DefaultOllamaHost     = "http://localhost:11434"
	DefaultCompatModel    = "qwen2.5-coder"
	DefaultCompatBaseURL  = "http://localhost:8000/v1"
)

// Config is the top-level configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Fallback FallbackConfig `yaml:"fallback"`
	Retry    RetryConfig    `yaml:"retry"`
	Health   HealthConfig   `yaml:"health"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// ProviderConfig selects and tunes the model service.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// APIKeySecret names the secret holding the key; defaults per provider.
	APIKeySecret   string          `yaml:"api_key_secret"`
	MaxTokens      int             `yaml:"max_tokens"`
	Temperature    float64         `yaml:"temperature"`
	AttemptTimeout time.Duration   `yaml:"attempt_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	// MockScript lists outcomes for the mock provider, e.g. [no_tool_calls, rate_limit, ok].
	MockScript []string `yaml:"mock_script"`
}

// RateLimitConfig paces requests on the client side. Zero values disable a limit.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	TokensPerMinute   int     `yaml:"tokens_per_minute"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	ResetOnSuccess   bool          `yaml:"reset_on_success"`
	// Strict holds the breaker across check, attempt and record.
	Strict bool `yaml:"strict"`
	// Scoped gives every request scope its own breaker instead of one shared breaker.
	Scoped bool `yaml:"scoped"`
}

// FallbackConfig configures tool-choice relaxation and the healing messages appended on retry.
type FallbackConfig struct {
	Sequence       []string `yaml:"sequence"`
	AutoMessage    string   `yaml:"auto_message"`
	NoneMessage    string   `yaml:"none_message"`
	NeutralMessage string   `yaml:"neutral_message"`
	// RateLimitTriggersFallback relaxes tool choice on rate-limit errors too. Defaults to true.
	RateLimitTriggersFallback *bool `yaml:"rate_limit_triggers_fallback"`

	ReformatMessage     string `yaml:"reformat_message"`
	NoSuchToolMessage   string `yaml:"no_such_tool_message"`
	InvalidArgsMessage  string `yaml:"invalid_args_message"`
	ToolFailedMessage   string `yaml:"tool_failed_message"`
	ErrorDetailGuidance string `yaml:"error_detail_guidance"`
	// ErrorDetailHealing feeds the details of otherwise unclassified retryable errors back to the model.
	ErrorDetailHealing bool `yaml:"error_detail_healing"`
}

// RetryConfig configures the retry budget and backoff.
type RetryConfig struct {
	// MaxRetries defaults to 3 when absent; an explicit 0 disables retries.
	MaxRetries    *int          `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        *float64      `yaml:"jitter"`
}

// HealthConfig configures the health and metrics HTTP server.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// SecretsConfig points at the encrypted secrets file.
type SecretsConfig struct {
	File        string `yaml:"file"`
	PasswordEnv string `yaml:"password_env"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	p := &cfg.Provider
	if p.Name == "" {
		p.Name = ProviderAnthropic
	}
	p.Name = strings.ToLower(p.Name)
	if p.Model == "" {
		p.Model = defaultModel(p.Name)
	}
	if p.APIKeySecret == "" {
		p.APIKeySecret = defaultKeySecret(p.Name)
	}
	if p.BaseURL == "" {
		switch p.Name {
		case ProviderOllama:
			p.BaseURL = DefaultOllamaHost
		case ProviderOpenAICompat:
			p.BaseURL = DefaultCompatBaseURL
		}
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 4096
	}
	if p.Temperature == 0 {
		p.Temperature = 0.3
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = 3 * time.Minute
	}

	b := &cfg.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = 2
	}
	if b.RecoveryTimeout == 0 {
		b.RecoveryTimeout = 60 * time.Second
	}

	f := &cfg.Fallback
	if len(f.Sequence) == 0 {
		f.Sequence = []string{"required", "auto", "none"}
	}
	if f.RateLimitTriggersFallback == nil {
		v := true
		f.RateLimitTriggersFallback = &v
	}

	r := &cfg.Retry
	if r.MaxRetries == nil {
		v := 3
		r.MaxRetries = &v
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2.0
	}
	if r.Jitter == nil {
		v := 0.2
		r.Jitter = &v
	}

	if cfg.Secrets.PasswordEnv == "" {
		cfg.Secrets.PasswordEnv = "STREAMGUARD_SECRETS_PASSWORD"
	}
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return DefaultOpenAIModel
	case ProviderOllama:
		return DefaultOllamaModel
	case ProviderGoogle:
		return DefaultGoogleModel
	case ProviderOpenAICompat:
		return DefaultCompatModel
	case ProviderMock:
		return "mock"
	default:
		return DefaultAnthropicModel
	}
}

func defaultKeySecret(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGoogle:
		return "GOOGLE_GENAI_API_KEY"
	case ProviderOpenAICompat:
		return "OPENAI_COMPAT_API_KEY"
	case ProviderOllama, ProviderMock:
		return ""
	default:
		return "ANTHROPIC_API_KEY"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Provider.Name {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGoogle, ProviderOpenAICompat, ProviderMock:
	default:
		return fmt.Errorf("provider.name: unsupported provider %q", cfg.Provider.Name)
	}
	if cfg.Provider.MaxTokens < 0 {
		return fmt.Errorf("provider.max_tokens must be positive")
	}
	if cfg.Provider.Temperature < 0 || cfg.Provider.Temperature > 2 {
		return fmt.Errorf("provider.temperature must be between 0.0 and 2.0")
	}
	if cfg.Provider.AttemptTimeout < 0 {
		return fmt.Errorf("provider.attempt_timeout must not be negative")
	}

	b := cfg.Breaker
	if b.FailureThreshold < 1 || b.SuccessThreshold < 1 {
		return fmt.Errorf("breaker thresholds must be >= 1 (failure=%d, success=%d)", b.FailureThreshold, b.SuccessThreshold)
	}
	if b.RecoveryTimeout < 0 {
		return fmt.Errorf("breaker.recovery_timeout must not be negative")
	}

	for i, s := range cfg.Fallback.Sequence {
		switch strings.ToLower(s) {
		case "required", "any", "auto", "none":
		default:
			return fmt.Errorf("fallback.sequence[%d]: unknown tool choice %q", i, s)
		}
	}

	r := cfg.Retry
	if *r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 || r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("retry delays invalid (initial=%s, max=%s)", r.InitialDelay, r.MaxDelay)
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	if *r.Jitter < 0 || *r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0,1]")
	}
	return nil
}
