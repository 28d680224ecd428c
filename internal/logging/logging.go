// Package logging provides the leveled, component-aware logger used by every
// subsystem of the conductor core.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger is the minimal leveled logging interface every subsystem depends
// on. Context-aware variants exist for callers that want trace correlation
// without forcing every call site to thread a context.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a subsystem tag its own log lines (e.g.
// "conductor/routing", "conductor/refinement") while sharing one sink and
// format configuration.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the safe zero value used when no
// logger is configured.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

func (n NoOpLogger) WithComponent(string) Logger { return n }

// Format selects how StructuredLogger renders a line.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// StructuredLogger writes newline-delimited log events, either as JSON or as
// a human-readable line, to an io.Writer (defaulting to os.Stderr).
type StructuredLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	service   string
	component string
	format    Format
	minLevel  level
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) level {
	switch s {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// NewStructuredLogger builds a StructuredLogger. service identifies the
// process (e.g. "conductor"); format and minLevel control verbosity and
// rendering. A nil out defaults to os.Stderr.
func NewStructuredLogger(service string, format Format, minLevel string, out io.Writer) *StructuredLogger {
	if out == nil {
		out = os.Stderr
	}
	if format == "" {
		format = FormatJSON
	}
	return &StructuredLogger{
		mu:       &sync.Mutex{},
		out:      out,
		service:  service,
		format:   format,
		minLevel: parseLevel(minLevel),
	}
}

// WithComponent returns a logger tagged with component; the returned value
// shares the underlying sink and mutex.
func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{
		out:       l.out,
		service:   l.service,
		component: component,
		format:    l.format,
		minLevel:  l.minLevel,
	}
}

type event struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Service   string                 `json:"service"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *StructuredLogger) logEvent(lvl level, lvlName, msg string, fields map[string]interface{}) {
	if lvl < l.minLevel {
		return
	}
	e := event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     lvlName,
		Service:   l.service,
		Component: l.component,
		Message:   msg,
		Fields:    fields,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == FormatText {
		if l.component != "" {
			fmt.Fprintf(l.out, "%s [%s] %s: %s %v\n", e.Timestamp, lvlName, l.component, msg, fields)
		} else {
			fmt.Fprintf(l.out, "%s [%s] %s %v\n", e.Timestamp, lvlName, msg, fields)
		}
		return
	}

	b, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(l.out, `{"level":"error","message":"log marshal failed: %v"}`+"\n", err)
		return
	}
	l.out.Write(append(b, '\n'))
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{})  { l.logEvent(levelInfo, "info", msg, fields) }
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{})  { l.logEvent(levelWarn, "warn", msg, fields) }
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) { l.logEvent(levelError, "error", msg, fields) }
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) { l.logEvent(levelDebug, "debug", msg, fields) }

func traceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		merged := make(map[string]interface{}, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["trace_id"] = id
		return merged
	}
	return fields
}

type traceIDKey struct{}

// WithTraceID attaches a trace/correlation ID to ctx so InfoWithContext and
// friends include it automatically.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, traceFields(ctx, fields))
}
func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, traceFields(ctx, fields))
}
func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, traceFields(ctx, fields))
}
func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, traceFields(ctx, fields))
}

var _ ComponentAwareLogger = (*StructuredLogger)(nil)
var _ ComponentAwareLogger = NoOpLogger{}
