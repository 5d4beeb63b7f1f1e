package utils

import (
	"strings"
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	for _, model := range []string{"gpt-4o", "claude-sonnet-4-5", "gemini-2.5-pro", "llama3.1"} {
		t.Run(model, func(t *testing.T) {
			counter, err := NewTokenCounter(model)
			if err != nil {
				t.Fatalf("NewTokenCounter(%s) failed: %v", model, err)
			}
			if counter == nil {
				t.Fatalf("NewTokenCounter(%s) returned nil counter", model)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	tests := []struct {
		text      string
		minTokens int
		maxTokens int
	}{
		{"", 0, 0},
		{"hello", 1, 2},
		{"Please respond without tools for now.", 5, 12},
		{strings.Repeat("word ", 100), 90, 110},
	}

	for _, tt := range tests {
		got := counter.CountTokens(tt.text)
		if got < tt.minTokens || got > tt.maxTokens {
			t.Errorf("CountTokens(%q) = %d, want within [%d,%d]", tt.text, got, tt.minTokens, tt.maxTokens)
		}
	}
}

func TestCountTokens_NilCounterEstimates(t *testing.T) {
	var tc *TokenCounter
	if got := tc.CountTokens("abcdefgh"); got != 2 {
		t.Errorf("expected char estimate of 2, got %d", got)
	}
}

func TestCountMessages(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	single := counter.CountTokens("hello")
	got := counter.CountMessages([]string{"hello", "hello"})
	if got != 2*(single+perMessageOverhead) {
		t.Errorf("CountMessages = %d, want %d", got, 2*(single+perMessageOverhead))
	}
}

func TestCountTokensSimple(t *testing.T) {
	if CountTokensSimple("hello world") <= 0 {
		t.Error("expected positive token count")
	}
}
