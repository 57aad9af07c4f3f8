// Package logging provides structured logging with trace ID support for the
// permit data pipeline.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried alongside a logger.
type ContextKey string

const (
	// TraceIDKey is the context key for a pipeline run's trace ID.
	TraceIDKey ContextKey = "trace_id"
	// DatasetKey is the context key for the dataset an ingest step is working on.
	DatasetKey ContextKey = "dataset"
	// StepKey is the context key for the scheduler step name.
	StepKey ContextKey = "step"
)

// Logger wraps logrus.Logger with pipeline-specific field helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for the named component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext creates a log entry carrying the component name plus any trace
// ID, dataset, or step recorded on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if dataset := ctx.Value(DatasetKey); dataset != nil {
		entry = entry.WithField("dataset", dataset)
	}
	if step := ctx.Value(StepKey); step != nil {
		entry = entry.WithField("step", step)
	}
	return entry
}

// WithFields creates a log entry with custom fields plus the component name.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewTraceID generates a new trace ID for a pipeline run.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from ctx, or "" if absent.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithDataset attaches a dataset name to ctx.
func WithDataset(ctx context.Context, dataset string) context.Context {
	return context.WithValue(ctx, DatasetKey, dataset)
}

// WithStep attaches a scheduler step name to ctx.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, StepKey, step)
}

// LogIngestBatch logs the outcome of one ingest batch.
func (l *Logger) LogIngestBatch(ctx context.Context, dataset string, rowsSeen, rowsSkipped int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"dataset":      dataset,
		"rows_seen":    rowsSeen,
		"rows_skipped": rowsSkipped,
		"duration_ms":  duration.Milliseconds(),
	}).Info("ingest batch complete")
}

// LogStepOutcome logs the outcome of a scheduler step.
func (l *Logger) LogStepOutcome(ctx context.Context, step, outcome string, recordsAffected int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"step":             step,
		"outcome":          outcome,
		"records_affected": recordsAffected,
	})
	if err != nil {
		entry.WithError(err).Error("step finished with error")
		return
	}
	entry.Info("step finished")
}

// LogQuery logs a database query duration and outcome at debug level.
func (l *Logger) LogQuery(ctx context.Context, query string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"query":       query,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("query failed")
		return
	}
	entry.Debug("query executed")
}

// Default returns a package-level logger used by code that has no component
// wiring of its own (CLI helpers, init-time errors).
var defaultLogger *Logger

// Default returns the lazily-initialized default logger.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("permit-pipeline")
	}
	return defaultLogger
}
