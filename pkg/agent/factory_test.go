package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/pkg/agent/llm"
	"streamguard/pkg/agent/middleware/metrics"
	"streamguard/pkg/agent/middleware/resilience/circuit"
	"streamguard/pkg/agent/middleware/resilience/retry"
	"streamguard/pkg/agent/resilience"
	"streamguard/pkg/config"
)

func mockConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func noWait() resilience.Option {
	p := retry.NewPolicy(retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1})
	p.Sleeper = func(context.Context, time.Duration) error { return nil }
	return resilience.WithRetryPolicy(p)
}

func toolTurn() resilience.TurnRequest {
	return resilience.TurnRequest{
		Messages:   []llm.CompletionMessage{llm.NewUserMessage("inspect the repo")},
		Tools:      []llm.ToolDefinition{{Name: "list_files", InputSchema: map[string]any{"type": "object"}}},
		ToolChoice: llm.ToolChoiceRequired,
	}
}

func TestFactory_NewProviderClient(t *testing.T) {
	tests := []struct {
		provider string
		model    string
	}{
		{config.ProviderAnthropic, config.DefaultAnthropicModel},
		{config.ProviderOpenAI, config.DefaultOpenAIModel},
		{config.ProviderOpenAICompat, config.DefaultCompatModel},
		{config.ProviderOllama, config.DefaultOllamaModel},
		{config.ProviderGoogle, config.DefaultGoogleModel},
		{config.ProviderMock, "mock"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := mockConfig(t, "provider:\n  name: "+tt.provider+"\n  api_key: test-key\n")
			client, err := NewFactory(cfg, nil).NewProviderClient()
			require.NoError(t, err)
			assert.Equal(t, tt.model, client.GetModelName())
		})
	}
}

func TestFactory_MissingAPIKey(t *testing.T) {
	cfg := mockConfig(t, "provider:\n  name: anthropic\n  api_key_secret: STREAMGUARD_TEST_MISSING_KEY\n")
	_, err := NewFactory(cfg, nil).NewProviderClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic")
}

func TestFactory_BadMockScript(t *testing.T) {
	cfg := mockConfig(t, "provider:\n  name: mock\n  mock_script: [ok, explode]\n")
	_, err := NewFactory(cfg, nil).NewOrchestrator()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mock_script")
}

func TestFactory_OrchestratorHealsToolChoice(t *testing.T) {
	cfg := mockConfig(t, "provider:\n  name: mock\n  mock_script: [no_tool_calls, rate_limit, ok]\n")
	rec := metrics.NewInternalRecorder()

	orch, err := NewFactory(cfg, rec).NewOrchestrator(noWait())
	require.NoError(t, err)

	out, err := orch.Invoke(context.Background(), toolTurn())
	require.NoError(t, err)
	assert.Equal(t, llm.ToolChoiceNone, out.ToolChoice)
	assert.Len(t, out.Attempts, 3)
	assert.Equal(t, "Done.", out.Response.Content)

	m := rec.GetScopeMetrics("default")
	require.NotNil(t, m)
	assert.Equal(t, int64(1), m.Turns["success"])
	assert.Equal(t, int64(1), m.Fallbacks["required->auto"])
	assert.Equal(t, int64(1), m.Fallbacks["auto->none"])
	assert.Equal(t, int64(3), m.Requests)
	assert.Equal(t, int64(2), m.FailedRequests)
}

func TestFactory_OrchestratorHealsModelErrors(t *testing.T) {
	cfg := mockConfig(t, `
provider:
  name: mock
  mock_script: [unknown_tool, malformed, ok]
fallback:
  reformat_message: Reply with valid JSON only.
`)
	rec := metrics.NewInternalRecorder()
	orch, err := NewFactory(cfg, rec).NewOrchestrator(noWait())
	require.NoError(t, err)

	out, err := orch.Invoke(context.Background(), toolTurn())
	require.NoError(t, err)
	assert.Equal(t, llm.ToolChoiceRequired, out.ToolChoice, "healing keeps the requested tool choice")
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, "no_such_tool", out.Attempts[0].Healing)
	assert.Equal(t, "reformat", out.Attempts[1].Healing)

	msgs := out.Messages
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, llm.RoleTool, msgs[len(msgs)-2].Role)
	assert.Contains(t, msgs[len(msgs)-2].Content, "Available tools: list_files.")
	assert.Equal(t, "Reply with valid JSON only.", msgs[len(msgs)-1].Content)

	m := rec.GetScopeMetrics("default")
	require.NotNil(t, m)
	assert.Equal(t, int64(1), m.Healings["no_such_tool"])
	assert.Equal(t, int64(1), m.Healings["reformat"])
}

// flakyClient fails its first call with an error no classifier rule recognises.
type flakyClient struct{ calls int }

//nolint:gocritic // CompletionRequest passed by value to match interface
func (c *flakyClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.calls++
	if c.calls == 1 {
		return llm.CompletionResponse{}, errors.New("sandbox quota check returned no verdict")
	}
	return llm.CompletionResponse{Content: "done"}, nil
}

func (c *flakyClient) GetModelName() string { return "flaky" }

func TestFactory_ErrorDetailHealingFromConfig(t *testing.T) {
	cfg := mockConfig(t, "fallback:\n  error_detail_healing: true\n")
	f := NewFactory(cfg, nil)
	f.newBase = func() (llm.LLMClient, error) { return &flakyClient{}, nil }
	orch, err := f.NewOrchestrator(noWait())
	require.NoError(t, err)

	out, err := orch.Invoke(context.Background(), toolTurn())
	require.NoError(t, err)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, "error_detail", out.Attempts[0].Healing)
	last := out.Messages[len(out.Messages)-1]
	assert.Contains(t, last.Content, "I encountered an error while processing your request")
	assert.Contains(t, last.Content, "sandbox quota check returned no verdict")
}

func TestFactory_BreakerTransitionsRecorded(t *testing.T) {
	cfg := mockConfig(t, `
provider:
  name: mock
  mock_script: [transient]
breaker:
  failure_threshold: 2
retry:
  max_retries: 0
`)
	rec := metrics.NewInternalRecorder()
	f := NewFactory(cfg, rec)
	orch, err := f.NewOrchestrator()
	require.NoError(t, err)

	for range 2 {
		_, err = orch.Invoke(context.Background(), toolTurn())
		require.ErrorIs(t, err, resilience.ErrRetryExhausted)
	}
	_, err = orch.Invoke(context.Background(), toolTurn())
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)

	m := rec.GetScopeMetrics("default")
	require.NotNil(t, m)
	assert.Equal(t, int64(1), m.BreakerTransitions["CLOSED->OPEN"])
	assert.Equal(t, "OPEN", m.BreakerState)
	assert.Equal(t, int64(1), m.Turns["circuit_open"])
}

func TestFactory_ScopedBreakers(t *testing.T) {
	cfg := mockConfig(t, "breaker:\n  scoped: true\n  failure_threshold: 1\n")
	src := NewFactory(cfg, nil).NewBreakers()

	_, ok := src.(*circuit.Registry)
	require.True(t, ok)
	src.For("a").RecordFailure()
	assert.Equal(t, circuit.Open, src.For("a").State())
	assert.Equal(t, circuit.Closed, src.For("b").State())
}

func TestFactory_RetryConfig(t *testing.T) {
	cfg := mockConfig(t, "retry:\n  max_retries: 0\n  jitter: 0\n  initial_delay: 2s\n")
	rc := NewFactory(cfg, nil).RetryConfig()
	assert.Equal(t, 0, rc.MaxRetries)
	assert.Zero(t, rc.Jitter)
	assert.Equal(t, 2*time.Second, rc.InitialDelay)
	assert.Equal(t, 30*time.Second, rc.MaxDelay)
}

func TestFactory_FallbackPolicyAcceptsAny(t *testing.T) {
	cfg := mockConfig(t, "fallback:\n  sequence: [any, none]\n")
	policy, err := NewFactory(cfg, nil).FallbackPolicy()
	require.NoError(t, err)
	assert.Equal(t, llm.ToolChoiceRequired, policy.NextToolChoice(llm.ToolChoiceRequired, 0))
	assert.Equal(t, llm.ToolChoiceNone, policy.NextToolChoice(llm.ToolChoiceRequired, 1))
}

func TestFactory_NewClientWithRateLimit(t *testing.T) {
	cfg := mockConfig(t, "provider:\n  name: mock\n  rate_limit:\n    max_concurrency: 1\n")
	client, err := NewFactory(cfg, nil).NewClient()
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "Done.", resp.Content)
}
