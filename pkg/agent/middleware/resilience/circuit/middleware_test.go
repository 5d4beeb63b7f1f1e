package circuit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/pkg/agent/llm"
)

type scriptedClient struct {
	errs  []error
	calls int
}

func (c *scriptedClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	i := c.calls
	c.calls++
	if err := ctx.Err(); err != nil {
		return llm.CompletionResponse{}, err
	}
	if i < len(c.errs) && c.errs[i] != nil {
		return llm.CompletionResponse{}, c.errs[i]
	}
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (c *scriptedClient) GetModelName() string { return "scripted" }

func TestMiddleware_OpensAndRejects(t *testing.T) {
	boom := errors.New("boom")
	base := &scriptedClient{errs: []error{boom, boom}}
	b := New(Config{FailureThreshold: 2}, WithClock(newFakeClock()), WithScope("api"))
	client := Middleware(b)(base)

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), llm.CompletionRequest{})
		require.ErrorIs(t, err, boom)
	}

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	var cbErr *Error
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, Open, cbErr.State)
	assert.Equal(t, "api", cbErr.Scope)
	assert.Equal(t, 2, base.calls, "open breaker must not reach the client")
	assert.Equal(t, "scripted", client.GetModelName())
}

func TestMiddleware_SuccessRecorded(t *testing.T) {
	b := New(Config{}, WithClock(newFakeClock()))
	client := Middleware(b)(&scriptedClient{})

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, b.Snapshot().SuccessCount)
}

func TestMiddleware_CancellationNotCounted(t *testing.T) {
	b := New(Config{FailureThreshold: 1}, WithClock(newFakeClock()))
	client := Middleware(b)(&scriptedClient{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, llm.CompletionRequest{})
	require.ErrorIs(t, err, context.Canceled)

	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Zero(t, snap.FailureCount)
}
