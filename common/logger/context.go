package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment so that run/task identity is included in every
// log statement without being threaded through every function signature.
type LogFields struct {
	RunID       *int64  // orchestrator run id (snowflake)
	TaskSlug    *string // slug of the task's operation
	PlanVersion *int    // Plan_<n> for the current rerun
	StepNum     *int    // current executor step, 0-based
	Component   string  // e.g. "agent.orchestrator", "agent.executor"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.RunID != nil {
		result.RunID = new.RunID
	}
	if new.TaskSlug != nil {
		result.TaskSlug = new.TaskSlug
	}
	if new.PlanVersion != nil {
		result.PlanVersion = new.PlanVersion
	}
	if new.StepNum != nil {
		result.StepNum = new.StepNum
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
