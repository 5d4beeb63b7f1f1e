package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/term"

	"streamguard/pkg/agent"
	"streamguard/pkg/agent/middleware/metrics"
	"streamguard/pkg/agent/resilience"
	"streamguard/pkg/config"
	"streamguard/pkg/health"
	"streamguard/pkg/logx"
)

// Exit codes for run.
const (
	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitCircuitOpen = 3
	exitAborted     = 130
)

type runOptions struct {
	configPath  string
	input       string
	output      string
	scope       string
	serve       string
	dumpMetrics bool
}

// failureReport is written in place of a TurnOutput when the turn fails.
type failureReport struct {
	Error    string                    `json:"error"`
	Kind     string                    `json:"kind"`
	Attempts []resilience.RetryAttempt `json:"attempts,omitempty"`
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue):
		return exitUsage
	case errors.Is(err, resilience.ErrCircuitOpen):
		return exitCircuitOpen
	case errors.Is(err, resilience.ErrTurnAborted):
		return exitAborted
	default:
		return exitFailed
	}
}

func parseRunFlags(args []string, stderr io.Writer) (runOptions, error) {
	var opts runOptions
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", os.Getenv("STREAMGUARD_CONFIG"), "Path to YAML config file (default: built-in defaults)")
	fs.StringVar(&opts.input, "input", "", "Turn request JSON file (default: stdin)")
	fs.StringVar(&opts.output, "output", "", "Result JSON file (default: stdout)")
	fs.StringVar(&opts.scope, "scope", "", "Breaker scope for this turn (overrides the input)")
	fs.StringVar(&opts.serve, "serve", "", "Serve /healthz, /metrics and /debug/logs on this address until interrupted")
	fs.BoolVar(&opts.dumpMetrics, "dump-metrics", false, "Write Prometheus metrics to stderr after the turn")
	if err := fs.Parse(args); err != nil {
		return opts, usageError{msg: err.Error()}
	}
	return opts, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.Parse(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func readTurn(path string, stdin io.Reader) (resilience.TurnRequest, error) {
	var req resilience.TurnRequest
	var r io.Reader
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return req, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	} else {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return req, usageError{msg: "no --input given and stdin is a terminal"}
		}
		r = stdin
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("failed to parse turn request: %w", err)
	}
	if len(req.Messages) == 0 {
		return req, usageError{msg: "turn request has no messages"}
	}
	return req, nil
}

func runCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseRunFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := config.LoadSecrets(cfg.Secrets); err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	req, err := readTurn(opts.input, stdin)
	if err != nil {
		return err
	}
	if opts.scope != "" {
		req.Scope = opts.scope
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = cfg.Provider.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = float32(cfg.Provider.Temperature)
	}

	registry := prometheus.NewRegistry()
	summary := metrics.NewInternalRecorder()
	recorder := metrics.Tee(metrics.NewPrometheusRecorder(registry), summary)
	orch, err := agent.NewFactory(cfg, recorder).NewOrchestrator()
	if err != nil {
		return err
	}

	serveDone := make(chan error, 1)
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	if opts.serve != "" {
		srv := health.NewServer(opts.serve, orch.Breakers(), registry)
		go func() { serveDone <- srv.ListenAndServe(serveCtx) }()
	} else {
		serveDone <- nil
	}

	out, turnErr := orch.Invoke(ctx, req)
	logSummary(summary, req.Scope)
	if err := writeResult(opts.output, stdout, out, turnErr); err != nil {
		return err
	}
	if opts.dumpMetrics {
		if err := dumpMetrics(stderr, registry); err != nil {
			return err
		}
	}

	if opts.serve != "" && ctx.Err() == nil {
		logx.Infof("turn finished; serving health on %s until interrupted", opts.serve)
		select {
		case <-ctx.Done():
		case err := <-serveDone:
			serveDone <- err
		}
	}
	stopServe()
	if err := <-serveDone; err != nil {
		return err
	}
	return turnErr
}

func logSummary(rec *metrics.InternalRecorder, scope string) {
	if scope == "" {
		scope = "default"
	}
	m := rec.GetScopeMetrics(scope)
	if m == nil {
		return
	}
	logx.Infof("📊 scope=%s requests=%d failed=%d tokens=%d+%d attempts=%v fallbacks=%v breaker=%v",
		scope, m.Requests, m.FailedRequests, m.PromptTokens, m.CompletionTokens, m.Attempts, m.Fallbacks, m.BreakerTransitions)
}

func writeResult(path string, stdout io.Writer, out resilience.TurnOutput, turnErr error) error {
	var payload any = out
	if turnErr != nil {
		report := failureReport{Error: turnErr.Error(), Kind: "failed", Attempts: out.Attempts}
		var terminal *resilience.TerminalError
		switch {
		case errors.Is(turnErr, resilience.ErrCircuitOpen):
			report.Kind = "circuit_open"
		case errors.Is(turnErr, resilience.ErrTurnAborted):
			report.Kind = "aborted"
		case errors.As(turnErr, &terminal):
			report.Kind = terminal.Category.String()
		}
		payload = report
	}

	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return nil
}
