// Package utils provides tiktoken-based token counting utilities.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role and separator tokens chat formats add per message.
const perMessageOverhead = 4

// TokenCounter provides token counting for prompts sent to a model.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for model. Every provider is approximated with the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, or a 4-chars-per-token estimate when
// no codec is available.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountMessages counts a conversation, adding a fixed overhead per message.
func (tc *TokenCounter) CountMessages(contents []string) int {
	total := 0
	for _, c := range contents {
		total += tc.CountTokens(c) + perMessageOverhead
	}
	return total
}

//nolint:gochecknoglobals // lazily built shared codec
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// CountTokensSimple counts tokens with a shared GPT-4 counter.
func CountTokensSimple(text string) int {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter("gpt-4")
		if err == nil {
			defaultCounter = counter
		}
	})
	return defaultCounter.CountTokens(text)
}
