// Package log provides the leveled logger used across the store. The engine
// itself stays silent on hot paths; recovery and garbage collection report
// what they found through this interface.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int

const (
	// LevelDebug traces scan and relocation detail.
	LevelDebug Level = iota
	// LevelInfo reports operational milestones.
	LevelInfo
	// LevelWarn reports recovered corruption and invariant repairs.
	LevelWarn
	// LevelError reports failures surfaced to the caller.
	LevelError
)

// String returns the level name.
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
		return fmt.Sprintf("LEVEL(%d)", l)
	}
}

// Logger is the logging interface the store components accept.
type Logger interface {
	// Debug logs a debug-level message in Printf style.
	Debug(msg string, args ...interface{})
	// Info logs an info-level message in Printf style.
	Info(msg string, args ...interface{})
	// Warn logs a warning-level message in Printf style.
	Warn(msg string, args ...interface{})
	// Error logs an error-level message in Printf style.
	Error(msg string, args ...interface{})
	// WithField returns a logger that includes key=value on every line.
	WithField(key string, value interface{}) Logger
}

// Standard writes timestamped, leveled lines to a writer.
type Standard struct {
	mu     *sync.Mutex
	out    io.Writer
	level  Level
	fields map[string]interface{}
}

// NewStandard creates a logger writing to out at the given minimum level.
func NewStandard(out io.Writer, level Level) *Standard {
	return &Standard{
		mu:     &sync.Mutex{},
		out:    out,
		level:  level,
		fields: map[string]interface{}{},
	}
}

// Default returns a logger writing to stderr at Info level.
func Default() *Standard {
	return NewStandard(os.Stderr, LevelInfo)
}

func (s *Standard) log(level Level, msg string, args ...interface{}) {
	if level < s.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	fields := ""
	if len(s.fields) > 0 {
		keys := make([]string, 0, len(s.fields))
		for k := range s.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields += fmt.Sprintf(" %s=%v", k, s.fields[k])
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s [%s]%s %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), level, fields, msg)
}

// Debug logs at debug level.
func (s *Standard) Debug(msg string, args ...interface{}) { s.log(LevelDebug, msg, args...) }

// Info logs at info level.
func (s *Standard) Info(msg string, args ...interface{}) { s.log(LevelInfo, msg, args...) }

// Warn logs at warn level.
func (s *Standard) Warn(msg string, args ...interface{}) { s.log(LevelWarn, msg, args...) }

// Error logs at error level.
func (s *Standard) Error(msg string, args ...interface{}) { s.log(LevelError, msg, args...) }

// WithField returns a copy of the logger carrying an extra field.
func (s *Standard) WithField(key string, value interface{}) Logger {
	fields := make(map[string]interface{}, len(s.fields)+1)
	for k, v := range s.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Standard{mu: s.mu, out: s.out, level: s.level, fields: fields}
}

// Nop is a Logger that discards everything.
type Nop struct{}

// NewNop returns a logger that discards everything.
func NewNop() Nop { return Nop{} }

// Debug discards the message.
func (Nop) Debug(string, ...interface{}) {}

// Info discards the message.
func (Nop) Info(string, ...interface{}) {}

// Warn discards the message.
func (Nop) Warn(string, ...interface{}) {}

// Error discards the message.
func (Nop) Error(string, ...interface{}) {}

// WithField returns the same no-op logger.
func (n Nop) WithField(string, interface{}) Logger { return n }
