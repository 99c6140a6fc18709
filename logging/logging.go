// Package logging provides the leveled console logger used by the bus,
// coordinators and bridges. Components receive a FieldLogger through
// their constructor options; there is no package-level logger.
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

// ParseLevel converts a config string such as "debug" into a Level.
func ParseLevel(s string) (Level, error) {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "" {
		return LevelInfo, nil
	}
	if lvl == "WARNING" {
		return LevelWarn, nil
	}
	if _, ok := levelPriority[lvl]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// FieldLogger is the logging surface components depend on.
type FieldLogger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
}

// sink is shared by a logger and every logger derived from it, so a
// SetOutput on the root reaches component loggers too.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes LEVEL TIMESTAMP [component] message key=value lines.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

var _ FieldLogger = (*Logger)(nil)

// New creates a Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a logger that adds trace_id to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
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

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

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

	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
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

// Component tags l with name when l is a *Logger; other loggers are
// returned unchanged.
func Component(l FieldLogger, name string) FieldLogger {
	if l == nil {
		return Nop()
	}
	if lg, ok := l.(*Logger); ok {
		return lg.WithComponent(name)
	}
	return l
}

// --- Bus event helpers ---

// AgentRegistered logs a successful registration.
func AgentRegistered(l FieldLogger, id string, capabilities []string) {
	l.Info("agent_registered", map[string]interface{}{
		"agent":        id,
		"capabilities": strings.Join(capabilities, ","),
	})
}

// AgentUnregistered logs a removal from the registry.
func AgentUnregistered(l FieldLogger, id string) {
	l.Info("agent_unregistered", map[string]interface{}{
		"agent": id,
	})
}

// MessageRouted logs a handled direct message.
func MessageRouted(l FieldLogger, msgType, from, to string, duration time.Duration) {
	l.Debug("message_routed", map[string]interface{}{
		"type":     msgType,
		"from":     from,
		"to":       to,
		"duration": duration.String(),
	})
}

// HandlerFault logs a handler error or panic converted to an ERROR message.
func HandlerFault(l FieldLogger, agentID, messageID string, err error) {
	l.Error("handler_fault", map[string]interface{}{
		"agent":   agentID,
		"message": messageID,
		"error":   err.Error(),
	})
}

// ResponseDropped logs a response whose correlation id no longer has a waiter.
func ResponseDropped(l FieldLogger, correlationID, from string) {
	l.Warn("response_dropped", map[string]interface{}{
		"correlation_id": correlationID,
		"from":           from,
	})
}

// BridgeUnavailable logs a bridge that failed to connect.
func BridgeUnavailable(l FieldLogger, name string, err error) {
	l.Warn("bridge_unavailable", map[string]interface{}{
		"bridge": name,
		"error":  err.Error(),
	})
}
