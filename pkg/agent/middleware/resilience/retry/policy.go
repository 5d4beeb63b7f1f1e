// Package retry computes backoff delays between attempts and waits them out.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config defines the retry budget and backoff shape.
type Config struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`       // Retries after the first attempt
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`   // Delay before the first retry
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`           // Cap on any single delay
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"` // Multiplier per retry
	Jitter        float64       `json:"jitter" yaml:"jitter"`                 // Fraction of the delay randomized, 0..1
}

// DefaultConfig provides the default budget: three retries, 1s doubling to a 30s cap, 20% jitter.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        0.2,
}

// Validate rejects configurations that cannot produce sensible delays.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay {
		return fmt.Errorf("initial_delay %s exceeds max_delay %s", c.InitialDelay, c.MaxDelay)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1, got %g", c.BackoffFactor)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1], got %g", c.Jitter)
	}
	return nil
}

// Sleeper blocks for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the timer-backed Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy encapsulates retry configuration and backoff computation.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config  Config
	Sleeper Sleeper
	// Rand returns a value in [0,1). Tests pin it for deterministic jitter.
	Rand func() float64
}

// NewPolicy creates a policy using the timer-backed sleeper.
func NewPolicy(config Config) *Policy {
	return &Policy{
		Config:  config,
		Sleeper: Sleep,
		Rand:    rand.Float64,
	}
}

// CalculateDelay returns the delay before retry number retry (1-based):
// InitialDelay * BackoffFactor^(retry-1), capped at MaxDelay, then jittered by ±Jitter.
func (p *Policy) CalculateDelay(retry int) time.Duration {
	if retry < 1 || p.Config.InitialDelay <= 0 {
		return 0
	}

	factor := p.Config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	raw := float64(p.Config.InitialDelay) * math.Pow(factor, float64(retry-1))
	if p.Config.MaxDelay > 0 && raw > float64(p.Config.MaxDelay) {
		raw = float64(p.Config.MaxDelay)
	}

	if p.Config.Jitter > 0 && p.Rand != nil {
		// uniform in [-Jitter, +Jitter)
		raw += raw * p.Config.Jitter * (2*p.Rand() - 1)
	}
	delay := time.Duration(raw)
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// DelayFor is CalculateDelay raised to a server-requested retryAfter, still capped at MaxDelay.
func (p *Policy) DelayFor(retry int, retryAfter time.Duration) time.Duration {
	delay := p.CalculateDelay(retry)
	if retryAfter > delay {
		delay = retryAfter
	}
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	return delay
}

// Wait blocks for d or until ctx is done.
func (p *Policy) Wait(ctx context.Context, d time.Duration) error {
	sleep := p.Sleeper
	if sleep == nil {
		sleep = Sleep
	}
	if err := sleep(ctx, d); err != nil {
		return fmt.Errorf("backoff interrupted: %w", err)
	}
	return nil
}
