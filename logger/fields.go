package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across weft.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Engine entities
	FieldJobID             = "job_id"
	FieldJobType           = "job_type"
	FieldExecutionID       = "execution_id"
	FieldProcessInstanceID = "process_instance_id"
	FieldDefinitionID      = "process_definition_id"
	FieldActivityID        = "activity_id"
	FieldIncidentID        = "incident_id"

	// Commands
	FieldCommand     = "command"
	FieldAttempt     = "attempt"
	FieldPropagation = "propagation"
	FieldUserID      = "user_id"
	FieldTenantID    = "tenant_id"

	// Job executor
	FieldLockOwner = "lock_owner"
	FieldWorkerID  = "worker_id"
	FieldRetries   = "retries"
	FieldDueDate   = "due_date"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey      contextKey = "logger_job_id"
	instanceIDKey contextKey = "logger_process_instance_id"
	componentKey  contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithProcessInstanceID adds a process instance ID to the context for logging
func WithProcessInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
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
	if id, ok := ctx.Value(instanceIDKey).(string); ok && id != "" {
		fields = append(fields, FieldProcessInstanceID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields stored in ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	executor := jobexecutor.New(cfg, ex, logger.ComponentLogger("jobexecutor"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
//	jobLogger := logger.ChildLogger(baseLogger, logger.FieldJobID, job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
