package resilience

import (
	"errors"
	"fmt"

	"streamguard/pkg/agent/llmerrors"
	"streamguard/pkg/agent/middleware/resilience/circuit"
)

var (
	// ErrCircuitOpen matches every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRetryExhausted indicates all retry attempts have been exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrFatal indicates a failure that is never retried, such as bad credentials.
	ErrFatal = errors.New("fatal model service error")

	// ErrTurnAborted indicates the caller cancelled the turn.
	ErrTurnAborted = errors.New("turn aborted")
)

// CircuitOpenError is returned without invoking the model when the breaker refuses an attempt.
type CircuitOpenError struct {
	Snapshot circuit.Snapshot
	// Cause is the last attempt's error when the breaker opened mid-turn, or nil.
	Cause   error
	Scope   string
	Attempt int
}

func (e *CircuitOpenError) Error() string {
	msg := fmt.Sprintf("circuit breaker is %s", e.Snapshot.State)
	if e.Scope != "" {
		msg = fmt.Sprintf("circuit breaker %q is %s", e.Scope, e.Snapshot.State)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

func (e *CircuitOpenError) Unwrap() error {
	return e.Cause
}

// CircuitOpen marks the error for classifiers.
func (e *CircuitOpenError) CircuitOpen() bool { return true }

// TerminalError ends a turn after a fatal failure or when the retry budget is spent.
// It matches its Reason (ErrFatal or ErrRetryExhausted) and wraps the last underlying cause.
type TerminalError struct {
	Reason   error
	Cause    error
	Attempts []RetryAttempt
	Category llmerrors.Category
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s): %v", e.Reason, len(e.Attempts), e.Cause)
}

func (e *TerminalError) Unwrap() []error {
	return []error{e.Reason, e.Cause}
}

func abortedError(cause error) error {
	return fmt.Errorf("%w: %w", ErrTurnAborted, cause)
}
