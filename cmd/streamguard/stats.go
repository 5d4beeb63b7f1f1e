package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"streamguard/pkg/metrics"
)

// statsCommand prints per-scope turn statistics from a Prometheus server scraping /metrics.
func statsCommand(ctx context.Context, args []string, stdout io.Writer) error {
	var url, scope string
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.StringVar(&url, "prometheus", "http://localhost:9090", "Prometheus base URL")
	fs.StringVar(&scope, "scope", "default", "Breaker scope")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}

	q, err := metrics.NewQueryService(url)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stats, err := q.GetScopeStats(ctx, scope)
	if err != nil {
		return err
	}
	printStats(stdout, stats)
	return nil
}

func printStats(w io.Writer, s *metrics.ScopeStats) {
	fmt.Fprintf(w, "scope %s: success rate %.1f%%, tokens %d prompt / %d completion\n",
		s.Scope, 100*s.SuccessRate(), s.PromptTokens, s.CompletionTokens)
	printCounts(w, "turns", s.Turns)
	printCounts(w, "attempts", s.Attempts)
	printCounts(w, "fallbacks", s.Fallbacks)
}

func printCounts(w io.Writer, title string, counts map[string]int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "    %-20s %d\n", k, counts[k])
	}
}
