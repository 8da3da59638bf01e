// Package logging is a fluent structured logger with trace correlation,
// encoded as JSON by zap.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var (
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	baseOnce sync.Once
	baseCore zapcore.Core
)

// SetLevel changes the minimum level of every logger built on the default
// core. Unknown names leave the level unchanged and return an error.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

func defaultCore() zapcore.Core {
	baseOnce.Do(func() {
		enc := zap.NewProductionEncoderConfig()
		enc.TimeKey = "time"
		enc.MessageKey = "msg"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		baseCore = zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stdout), level)
	})
	return baseCore
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      *zap.Logger
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return NewWithCore(service, defaultCore())
}

// NewWithCore builds a logger on an explicit core, for tests and for
// callers that need a different sink.
func NewWithCore(service string, core zapcore.Core) *Logger {
	zl := zap.New(core)
	if service != "" {
		zl = zl.With(zap.String("service", service))
	}
	return &Logger{service: service, zl: zl}
}

// Zap exposes the underlying logger for libraries that take one.
func (l *Logger) Zap() *zap.Logger { return l.zl }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.zl.Sync() }

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.fields = append(e.fields, zap.String("trace_id", traceID))
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l}
}

// LogEntry accumulates fields until one of the level methods writes it.
// The With methods return a new entry, so a base entry can be reused.
type LogEntry struct {
	logger *Logger
	fields []zap.Field
}

func (e *LogEntry) with(fs ...zap.Field) *LogEntry {
	fields := make([]zap.Field, 0, len(e.fields)+len(fs))
	fields = append(fields, e.fields...)
	return &LogEntry{logger: e.logger, fields: append(fields, fs...)}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	return e.with(zap.String("trace_id", traceID))
}

// WithTenant sets the tenant ID for the log entry
func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	if tenantID == "" {
		return e
	}
	return e.with(zap.String("tenant_id", tenantID))
}

func (e *LogEntry) WithJob(jobID string) *LogEntry {
	return e.with(zap.String("job_id", jobID))
}

func (e *LogEntry) WithJobType(jobType string) *LogEntry {
	return e.with(zap.String("job_type", jobType))
}

func (e *LogEntry) WithItem(itemID string) *LogEntry {
	return e.with(zap.String("item_id", itemID))
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return e.with(zap.Any(key, value))
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	fs := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		fs = append(fs, zap.Any(k, v))
	}
	return e.with(fs...)
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.with(zap.String("error", err.Error()))
}

func (e *LogEntry) Debug(message string) { e.logger.zl.Debug(message, e.fields...) }
func (e *LogEntry) Info(message string)  { e.logger.zl.Info(message, e.fields...) }
func (e *LogEntry) Warn(message string)  { e.logger.zl.Warn(message, e.fields...) }
func (e *LogEntry) Error(message string) { e.logger.zl.Error(message, e.fields...) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.logger.zl.Fatal(message, e.fields...) }

func (e *LogEntry) Debugf(format string, args ...any) { e.Debug(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Infof(format string, args ...any)  { e.Info(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.Warn(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Errorf(format string, args ...any) { e.Error(fmt.Sprintf(format, args...)) }
func (e *LogEntry) Fatalf(format string, args ...any) { e.Fatal(fmt.Sprintf(format, args...)) }

// Global convenience functions

var (
	defaultMu     sync.RWMutex
	defaultLogger = New("harborjobs")
)

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Default returns the process-wide logger.
func Default() *Logger { return current() }

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return current().WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return current().WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return current().Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = New(service)
}
