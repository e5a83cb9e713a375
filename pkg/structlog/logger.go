// Package structlog provides the agent's JSON structured logging with a
// dedicated marker for safety-relevant security events.
package structlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields represents structured log fields.
type Fields map[string]interface{}

// Logger writes one JSON object per line. Safe for concurrent use.
type Logger struct {
	service string
	fields  Fields

	mu     sync.Mutex
	level  Level
	output io.Writer
}

// New creates a logger for one agent component.
func New(service string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{service: service, level: level, output: output, fields: Fields{}}
}

// WithFields returns a logger carrying additional base fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	nl := &Logger{
		service: l.service,
		level:   l.level,
		output:  l.output,
		fields:  make(Fields, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range fields {
		nl.fields[k] = v
	}
	return nl
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// SecurityEvent records a safety-relevant event with a marker the log
// pipeline can filter on. These entries bypass the level threshold.
func (l *Logger) SecurityEvent(event string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "security"
	fields["security_event"] = event
	l.write(LevelWarn, fmt.Sprintf("SECURITY: %s", event), fields)
}

// SetLevel changes the log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) log(level Level, message string, fields Fields) {
	l.mu.Lock()
	min := l.level
	l.mu.Unlock()
	if level < min {
		return
	}
	l.write(level, message, fields)
}

func (l *Logger) write(level Level, message string, fields Fields) {
	all := make(Fields, len(l.fields)+len(fields)+4)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	all["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	all["level"] = level.String()
	all["service"] = l.service
	all["message"] = message

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.output).Encode(all); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}
