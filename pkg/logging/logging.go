// Package logging provides structured logging for the collaboration service.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Level represents a log level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	}
	return LevelInfo
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger provides structured logging.
type Logger struct {
	mu     sync.Mutex
	level  Level
	format Format
	output io.Writer
	fields map[string]any
	zl     zerolog.Logger
}

// NewLogger creates a new JSON logger with the specified level.
func NewLogger(level Level) *Logger {
	l := &Logger{
		level:  level,
		format: FormatJSON,
		output: os.Stderr,
		fields: make(map[string]any),
	}
	l.rebuild()
	return l
}

// rebuild recreates the zerolog backend; callers hold mu or own l exclusively.
func (l *Logger) rebuild() {
	var w io.Writer = zerolog.SyncWriter(l.output)
	if l.format == FormatText {
		w = zerolog.ConsoleWriter{Out: l.output, NoColor: true}
	}
	ctx := zerolog.New(w).Level(l.level.zerolog()).With().Timestamp()
	if len(l.fields) > 0 {
		ctx = ctx.Fields(l.fields)
	}
	l.zl = ctx.Logger()
}

// WithFields returns a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFields := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	child := &Logger{
		level:  l.level,
		format: l.format,
		output: l.output,
		fields: newFields,
	}
	child.rebuild()
	return child
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(zerolog.DebugLevel, msg, nil, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(zerolog.InfoLevel, msg, nil, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(zerolog.WarnLevel, msg, nil, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(zerolog.ErrorLevel, msg, nil, fields...)
}

// ErrorErr logs an error message with an error value.
func (l *Logger) ErrorErr(msg string, err error, fields ...map[string]any) {
	l.log(zerolog.ErrorLevel, msg, err, fields...)
}

// WarnErr logs a warning with an error value.
func (l *Logger) WarnErr(msg string, err error, fields ...map[string]any) {
	l.log(zerolog.WarnLevel, msg, err, fields...)
}

func (l *Logger) log(level zerolog.Level, msg string, err error, fields ...map[string]any) {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()

	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	for _, f := range fields {
		ev = ev.Fields(f)
	}
	ev.Msg(msg)
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// SetLevel sets the log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.rebuild()
}

// SetFormat switches between JSON and console text output.
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
	l.rebuild()
}

// Level returns the current level.
func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := NewLogger(LevelError)
	l.SetOutput(io.Discard)
	return l
}

// Global logger instance
var global = NewLogger(LevelInfo)

// SetGlobal sets the global logger.
func SetGlobal(l *Logger) {
	global = l
}

// Global returns the global logger.
func Global() *Logger {
	return global
}

// Debug logs to the global logger.
func Debug(msg string, fields ...map[string]any) {
	global.Debug(msg, fields...)
}

// Info logs to the global logger.
func Info(msg string, fields ...map[string]any) {
	global.Info(msg, fields...)
}

// Warn logs to the global logger.
func Warn(msg string, fields ...map[string]any) {
	global.Warn(msg, fields...)
}

// Error logs to the global logger.
func Error(msg string, fields ...map[string]any) {
	global.Error(msg, fields...)
}

// ErrorErr logs to the global logger with an error.
func ErrorErr(msg string, err error, fields ...map[string]any) {
	global.ErrorErr(msg, err, fields...)
}

// WithFields returns a new logger from global with additional fields.
func WithFields(fields map[string]any) *Logger {
	return global.WithFields(fields)
}
