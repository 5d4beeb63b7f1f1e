package llmerrors

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FromStatus annotates cause with the type implied by status and the Retry-After header, if any.
// A rejected request whose message matches a tool-choice fallback pattern becomes ErrorTypeToolChoice.
func FromStatus(cause error, status int, header http.Header) *Error {
	t, ok := TypeForStatus(status)
	if !ok {
		t = ErrorTypeUnknown
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if t == ErrorTypeBadPrompt && mentionsToolChoice(msg) {
		t = ErrorTypeToolChoice
	}
	e := &Error{Type: t, StatusCode: status, Err: cause, Message: msg}
	if header != nil {
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

// FromTransport annotates errors raised below the HTTP layer. Caller cancellation is returned
// unchanged; deadlines and connection failures become transient.
func FromTransport(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	case IsNetworkError(err):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	}
	return err
}

// IsNetworkError reports whether err looks like a connection-level failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"timeout", "connection", "network", "temporary", "eof", "reset", "broken pipe"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ParseRetryAfter parses a Retry-After value given in seconds or as an HTTP date.
// It returns zero for empty, malformed or past values.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func mentionsToolChoice(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "tool_choice") || MatchSubstring(toolChoicePatterns()...)(nil, msg)
}
