// Package circuit provides the circuit breaker that guards model invocations.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Probing whether the service recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Failures before opening
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"` // Half-open successes before closing
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`   // Open duration before probing
	// ResetOnSuccess zeroes the failure count on every success, making failures strictly consecutive.
	ResetOnSuccess bool `json:"reset_on_success" yaml:"reset_on_success"`
	// Strict serializes check, attempt and record for callers that use Acquire.
	Strict bool `json:"strict" yaml:"strict"`
}

// DefaultConfig provides the default thresholds.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	RecoveryTimeout:  60 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	return c
}

// Error is returned by the middleware when the breaker refuses a request.
type Error struct {
	Scope string
	State State
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("circuit breaker %q is %s", e.Scope, e.State)
	}
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// CircuitOpen marks the error as a breaker refusal for classifiers.
func (e *Error) CircuitOpen() bool { return true }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
//
//nolint:gochecknoglobals // stateless
var SystemClock Clock = ClockFunc(time.Now)

// StateChangeHook observes transitions. It runs after the breaker's lock is released.
type StateChangeHook func(scope string, from, to State)

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	Scope           string    `json:"scope,omitempty"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	CanExecute      bool      `json:"can_execute"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(c Clock) Option {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithStateChangeHook registers a transition observer.
func WithStateChangeHook(h StateChangeHook) Option {
	return func(b *Breaker) {
		if h != nil {
			b.hooks = append(b.hooks, h)
		}
	}
}

// WithScope names the breaker in errors, snapshots and hooks.
func WithScope(scope string) Option {
	return func(b *Breaker) { b.scope = scope }
}

// Breaker tracks consecutive failures of a model service and refuses calls while the service
// appears unhealthy. All methods are safe for concurrent use.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	config Config
	clock  Clock
	hooks  []StateChangeHook
	scope  string

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	execSem chan struct{}
}

// New creates a breaker in the Closed state. Zero config fields take DefaultConfig values.
func New(config Config, opts ...Option) *Breaker {
	b := &Breaker{
		config:  config.withDefaults(),
		clock:   SystemClock,
		state:   Closed,
		execSem: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.config }

// Scope returns the breaker's scope name.
func (b *Breaker) Scope() string { return b.scope }

// CanExecute reports whether a call may proceed. An Open breaker whose recovery timeout has
// elapsed moves to HalfOpen here, so this check is not side-effect free.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var allowed bool
	from := b.state
	switch b.state {
	case Closed, HalfOpen:
		allowed = true
	case Open:
		if b.recoveredLocked() {
			b.state = HalfOpen
			b.successCount = 0
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess counts a successful call. In HalfOpen, reaching SuccessThreshold closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.successCount++
	if b.config.ResetOnSuccess {
		b.failureCount = 0
	}
	if b.state == HalfOpen && b.successCount >= b.config.SuccessThreshold {
		b.closeLocked()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure counts a failed call. Reaching FailureThreshold, or any failure while HalfOpen,
// opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failureCount++
	b.successCount = 0
	b.lastFailureTime = b.clock.Now()
	if b.state == HalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Snapshot returns the current state without mutating it. CanExecute reports what the next
// CanExecute call would return.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	canExecute := b.state != Open || b.recoveredLocked()
	return Snapshot{
		Scope:           b.scope,
		State:           b.state,
		StateName:       b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		CanExecute:      canExecute,
		LastFailureTime: b.lastFailureTime,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to Closed with zeroed counters and no recorded failure.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.closeLocked()
	b.lastFailureTime = time.Time{}
	b.mu.Unlock()

	b.notify(from, Closed)
}

// Acquire serializes check, attempt and record in Strict mode; the returned func releases the
// slot. Outside Strict mode it returns immediately with a no-op release.
func (b *Breaker) Acquire(ctx context.Context) (release func(), err error) {
	if !b.config.Strict {
		return func() {}, nil
	}
	select {
	case b.execSem <- struct{}{}:
		return func() { <-b.execSem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Breaker) recoveredLocked() bool {
	return b.clock.Now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout
}

func (b *Breaker) closeLocked() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	for _, h := range b.hooks {
		h(b.scope, from, to)
	}
}
