package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across harvest.
const (
	// Identity
	FieldJobID  = "job_id"
	FieldUnitID = "unit_id"
	FieldTheme  = "theme"

	// Components
	FieldComponent = "component"
	FieldSource    = "source"

	// Transfer
	FieldURL         = "url"
	FieldURLHash     = "url_hash"
	FieldContentHash = "content_hash"
	FieldOffset      = "offset"
	FieldAttempt     = "attempt"
	FieldOutcome     = "outcome"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount  = "count"
	FieldSize   = "size"
	FieldTarget = "target"

	// Status
	FieldStatus = "status"
	FieldState  = "state"
	FieldFrom   = "from"
	FieldTo     = "to"

	// Files
	FieldPath = "path"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	breakers := breaker.NewSet(cfg, logger.ComponentLogger("pulse.breaker"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
