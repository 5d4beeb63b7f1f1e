// Package logx provides levelled component logging with domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Logger writes `[ts] [component] LEVEL: msg` lines.
type Logger struct {
	component string
	logger    *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil enables every domain
}

// LogEntry is a captured log line, served by the health endpoint.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
}

// InMemoryLogBuffer keeps the most recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // process-wide logging state
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	output   io.Writer = os.Stderr
	outputMu sync.RWMutex

	logBuffer = NewInMemoryLogBuffer(1000)
)

func init() { //nolint:gochecknoinits // env driven debug switches
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[strings.ToLower(d)] = true
		}
	}
	return out
}

// NewLogger creates a logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// SetDebugConfig turns debug logging on or off.
func SetDebugConfig(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains restricts debug logging to the given domains. An empty list enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[strings.ToLower(domain)]
}

// NewInMemoryLogBuffer creates a buffer holding at most maxSize entries.
func NewInMemoryLogBuffer(maxSize int) *InMemoryLogBuffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &InMemoryLogBuffer{maxSize: maxSize}
}

// AddLogEntry adds a log entry to the buffer, evicting the oldest when full.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of current log entries, optionally filtered.
func (b *InMemoryLogBuffer) GetLogEntries(domain string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if domain != "" && !strings.EqualFold(entry.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampLayout, entry.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// RecentEntries returns captured entries from the process-wide buffer.
func RecentEntries(domain string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(domain, since)
}

func write(entry *LogEntry) {
	line := fmt.Sprintf("[%s] [%s] %s: %s", entry.Timestamp, entry.Component, entry.Level, entry.Message)
	if entry.Domain != "" {
		line = fmt.Sprintf("[%s] [%s] %s: [%s] %s", entry.Timestamp, entry.Component, entry.Level, entry.Domain, entry.Message)
	}
	log.New(currentOutput(), "", 0).Println(line)
	logBuffer.AddLogEntry(entry)
}

func (l *Logger) log(level Level, format string, args ...any) {
	write(&LogEntry{
		Timestamp: time.Now().UTC().Format(timestampLayout),
		Component: l.component,
		Level:     string(level),
		Message:   fmt.Sprintf(format, args...),
	})
}

// Debug logs when DEBUG is enabled, regardless of domain.
func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the logger's component tag.
func (l *Logger) Component() string {
	return l.component
}

type turnIDKey struct{}

// WithTurnID attaches a turn identifier that Debug includes in its output.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID returns the turn identifier stored by WithTurnID, or "".
func TurnID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(turnIDKey{}).(string)
	return id
}

// Debug logs a domain-scoped debug message.
//
//	DEBUG=1                          # every domain
//	DEBUG=1 DEBUG_DOMAINS=breaker    # breaker only
//	DEBUG=1 DEBUG_DOMAINS=retry,fallback
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	component := "unknown"
	turnID := TurnID(ctx)
	if turnID != "" {
		component = turnID
	}
	write(&LogEntry{
		Timestamp: time.Now().UTC().Format(timestampLayout),
		Component: component,
		Level:     string(LevelDebug),
		Message:   fmt.Sprintf(format, args...),
		Domain:    domain,
		TurnID:    turnID,
	})
}

// Infof logs at info level on a shared logger.
func Infof(format string, args ...any) {
	NewLogger("streamguard").Info(format, args...)
}

// Warnf logs at warn level on a shared logger.
func Warnf(format string, args ...any) {
	NewLogger("streamguard").Warn(format, args...)
}

// Errorf logs an error and returns it.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	NewLogger("streamguard").Error("%v", err)
	return err
}

// Wrap adds context to err. It returns nil for a nil err.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

