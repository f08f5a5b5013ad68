// Package logger provides the structured logging interface used across the
// ChatBridge client, backed by zerolog, with an optional daily-rotated log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger writes leveled, structured entries. Derived loggers created with
// With share the parent's output.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger; the receiver is unchanged
	With(fields ...Field) Logger

	// Close releases the log file, if this logger owns one. Safe to call
	// multiple times.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	file   *DailyFileWriter
}

// New builds a Logger writing JSON lines to w.
//
// Parameters:
//   - w: Destination for log entries
//   - service: Value of the "service" field on every entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes through zerolog
func New(w io.Writer, service string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: zerolog.New(w).With().Str("service", service).Timestamp().Logger().Level(level),
	}
}

// NewFileLogger builds a Logger that writes human-readable lines to console
// and JSON lines to a daily-rotated file {service}_{date}.log under logDir.
//
// Parameters:
//   - service: Service name for entries and file names
//   - logDir: Directory for log files; created if missing
//   - level: Minimum level to log
//   - console: Writer for the console copy (usually os.Stdout); nil disables it
//
// Returns:
//   - The Logger; call Close to release the file
//   - An error if the directory or first file cannot be created
func NewFileLogger(service, logDir string, level zerolog.Level, console io.Writer) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := NewDailyFileWriter(service, logDir)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var out io.Writer = file
	if console != nil {
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"}, file)
	}

	return &zerologLogger{
		logger: zerolog.New(out).With().Str("service", service).Timestamp().Logger().Level(level),
		file:   file,
	}, nil
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a config string such as "debug" or "WARN" to a zerolog level.
// Unknown or empty values fall back to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}

	return level
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger. Children never own the file.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

func (z *zerologLogger) Close() error {
	if z.file != nil {
		return z.file.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
