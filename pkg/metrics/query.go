// Package metrics queries a Prometheus server for aggregated streamguard turn statistics.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ScopeStats represents aggregated turn metrics for one breaker scope.
type ScopeStats struct {
	Scope            string           `json:"scope"`
	Turns            map[string]int64 `json:"turns"`
	Attempts         map[string]int64 `json:"attempts"`
	Fallbacks        map[string]int64 `json:"fallbacks"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
}

// SuccessRate returns the fraction of turns that succeeded, or 0 with no turns.
func (s *ScopeStats) SuccessRate() float64 {
	var total int64
	for _, n := range s.Turns {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(s.Turns["success"]) / float64(total)
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetScopeStats retrieves turn, attempt, fallback and token totals for scope.
func (q *QueryService) GetScopeStats(ctx context.Context, scope string) (*ScopeStats, error) {
	stats := &ScopeStats{Scope: scope}
	now := time.Now()

	var err error
	if stats.Turns, err = q.sumBy(ctx, fmt.Sprintf(`sum by (outcome) (streamguard_turns_total{scope=%q})`, scope), now, "outcome"); err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	if stats.Attempts, err = q.sumBy(ctx, fmt.Sprintf(`sum by (outcome) (streamguard_attempts_total{scope=%q})`, scope), now, "outcome"); err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	if stats.Fallbacks, err = q.sumBy(ctx, fmt.Sprintf(`sum by (from, to) (streamguard_tool_choice_fallbacks_total{scope=%q})`, scope), now, "from", "to"); err != nil {
		return nil, fmt.Errorf("failed to query fallbacks: %w", err)
	}

	tokens, err := q.sumBy(ctx, fmt.Sprintf(`sum by (type) (llm_tokens_total{scope=%q})`, scope), now, "type")
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	stats.PromptTokens = tokens["prompt"]
	stats.CompletionTokens = tokens["completion"]

	return stats, nil
}

// sumBy runs an instant query and keys each sample by its label values joined with "->".
func (q *QueryService) sumBy(ctx context.Context, query string, ts time.Time, labels ...string) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, ts)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add context
	}

	out := make(map[string]int64)
	vector, ok := result.(model.Vector)
	if !ok {
		return out, nil
	}
	for _, sample := range vector {
		key := ""
		for i, l := range labels {
			if i > 0 {
				key += "->"
			}
			key += string(sample.Metric[model.LabelName(l)])
		}
		out[key] += int64(sample.Value)
	}
	return out, nil
}
