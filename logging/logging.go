// Package logging provides leveled, component-scoped console logging for
// presencekit. Lines use the format
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// Presence-specific helpers (Heartbeat, TimeoutCheck, StatusChanged, ...)
// keep field names consistent across the dispatcher, scheduler and adapters.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name into a Level.
// Unknown names fall back to LevelInfo and ok=false.
func ParseLevel(s string) (Level, bool) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, false
	}
	return level, true
}

// sink is shared by a logger and every logger derived from it, so lines
// from different components never interleave mid-line.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger provides structured logging to stdout.
type Logger struct {
	sink      *sink
	component string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		sink: &sink{
			output:   os.Stdout,
			minLevel: LevelInfo,
		},
	}
}

// Discard returns a logger that drops everything. Useful as a default
// when a component is constructed without a logger.
func Discard() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	l.SetLevel(LevelError)
	return l
}

// WithComponent returns a new logger with the given component name.
// The derived logger shares output and level with its parent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sink:      l.sink,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs, sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.sink.output.Write([]byte(line))
}

// --- Presence event logging ---

// Heartbeat logs an applied heartbeat.
func (l *Logger) Heartbeat(deviceID string, at time.Time) {
	l.Debug("heartbeat", map[string]interface{}{
		"device": deviceID,
		"at":     at.UTC().Format(time.RFC3339Nano),
	})
}

// TimeoutCheck logs the outcome of a timeout-check evaluation.
func (l *Logger) TimeoutCheck(deviceID string, elapsed time.Duration, stale bool) {
	l.Debug("timeout_check", map[string]interface{}{
		"device":  deviceID,
		"elapsed": elapsed.String(),
		"stale":   stale,
	})
}

// StatusChanged logs an emitted status notification.
func (l *Logger) StatusChanged(deviceID, status string) {
	l.Info("status_changed", map[string]interface{}{
		"device": deviceID,
		"status": status,
	})
}

// PortFailure logs a failed side effect (schedule or publish). These never
// fail the state transition that produced them.
func (l *Logger) PortFailure(port, deviceID string, err error) {
	l.Warn("port_failure", map[string]interface{}{
		"port":   port,
		"device": deviceID,
		"error":  err.Error(),
	})
}

// DispatchFailed logs a dispatch that could not complete.
func (l *Logger) DispatchFailed(deviceID, event string, err error) {
	l.Error("dispatch_failed", map[string]interface{}{
		"device": deviceID,
		"event":  event,
		"error":  err.Error(),
	})
}
