// Package logging provides leveled, line-oriented console logging for the
// orchestrator. Task and plan records in the state store are the durable
// record; these lines are for operators watching workers in real time.
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

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string ("debug", "INFO", ...) to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// sink is shared by a logger and every logger derived from it so that
// SetLevel/SetOutput on the root affect component loggers too.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes `LEVEL TIMESTAMP [component] message key=value ...` lines.
type Logger struct {
	sink      *sink
	component string
	fields    map[string]interface{}
}

// New creates a Logger writing to stdout at LevelInfo.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, fields: l.fields}
}

// With returns a logger that adds key=value to every line.
func (l *Logger) With(key string, value interface{}) *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{sink: l.sink, component: l.component, fields: fields}
}

// WithTask returns a logger that tags every line with task=<id>.
func (l *Logger) WithTask(taskID string) *Logger {
	return l.With("task", taskID)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer.
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

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	merged := l.fields
	if len(fields) > 0 && fields[0] != nil {
		merged = make(map[string]interface{}, len(l.fields)+len(fields[0]))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range fields[0] {
			merged[k] = v
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, formatFields(merged))
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, formatFields(merged))
	}
	l.sink.output.Write([]byte(line))
}

// --- Orchestration events ---

// TaskClaimed logs a worker taking ownership of a task.
func (l *Logger) TaskClaimed(taskID, worker string, attempt int) {
	l.Info("task_claimed", map[string]interface{}{
		"task":    taskID,
		"worker":  worker,
		"attempt": attempt,
	})
}

// TaskTransition logs a task status change.
func (l *Logger) TaskTransition(taskID, from, to string) {
	l.Info("task_transition", map[string]interface{}{
		"task": taskID,
		"from": from,
		"to":   to,
	})
}

// StepStarted logs the dispatch of a plan step.
func (l *Logger) StepStarted(taskID string, stepID int, tool string) {
	l.Debug("step_start", map[string]interface{}{
		"task": taskID,
		"step": stepID,
		"tool": tool,
	})
}

// StepFinished logs the outcome of a plan step.
func (l *Logger) StepFinished(taskID string, stepID int, tool string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"task":     taskID,
		"step":     stepID,
		"tool":     tool,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("step_failed", fields)
		return
	}
	l.Info("step_complete", fields)
}

// SandboxCreated logs a new isolated execution context.
func (l *Logger) SandboxCreated(id, taskID, image string) {
	l.Debug("sandbox_created", map[string]interface{}{
		"sandbox": id,
		"task":    taskID,
		"image":   image,
	})
}

// SandboxTeardown logs the removal of a sandbox. Failures are warnings only.
func (l *Logger) SandboxTeardown(id string, err error) {
	if err != nil {
		l.Warn("sandbox_teardown_failed", map[string]interface{}{
			"sandbox": id,
			"error":   err.Error(),
		})
		return
	}
	l.Debug("sandbox_removed", map[string]interface{}{"sandbox": id})
}

// SecurityWarning logs a security-related warning.
func (l *Logger) SecurityWarning(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["security"] = true
	l.Warn(msg, fields)
}

// SecurityDecision logs an allow/deny decision for a tool call.
func (l *Logger) SecurityDecision(tool, action, reason string) {
	l.Debug("security", map[string]interface{}{
		"tool":   tool,
		"action": action,
		"reason": reason,
	})
}

// Degraded logs that a capability is running in a reduced mode.
func (l *Logger) Degraded(capability, reason string) {
	l.Warn("degraded_mode", map[string]interface{}{
		"capability": capability,
		"reason":     reason,
	})
}
