// Package apperr collects the named error kinds the orchestrator routes
// on: each is a Kind value carried by the single Error type, whose
// methods encode the per-kind policy. The orchestrator
// never retries; what varies between kinds is whether a learning gets
// attached before the run terminates.
package apperr

import "fmt"

// Kind identifies one of the named error kinds.
type Kind string

const (
	KindLLM                Kind = "LLMError"
	KindPlanSchema         Kind = "PlanSchemaError"
	KindUnresolvedParam    Kind = "UnresolvedParameterError"
	KindSymbolResolution   Kind = "SymbolResolutionError"
	KindTool               Kind = "ToolError"
	KindCatalogIO          Kind = "CatalogIOError"
	KindUnknownKnowledgeID Kind = "UnknownKnowledgeId"
	KindObserverTimeout    Kind = "ObserverTimeoutError"
)

// Error wraps an underlying error with its named kind and the fields the
// orchestrator needs to decide what happens next.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func NewLLMError(format string, args ...any) *Error {
	return newError(KindLLM, format, args...)
}

func NewPlanSchemaError(format string, args ...any) *Error {
	return newError(KindPlanSchema, format, args...)
}

func NewUnresolvedParameterError(format string, args ...any) *Error {
	return newError(KindUnresolvedParam, format, args...)
}

func NewSymbolResolutionError(format string, args ...any) *Error {
	return newError(KindSymbolResolution, format, args...)
}

func NewToolError(format string, args ...any) *Error {
	return newError(KindTool, format, args...)
}

func NewCatalogIOError(format string, args ...any) *Error {
	return newError(KindCatalogIO, format, args...)
}

func NewUnknownKnowledgeIDError(format string, args ...any) *Error {
	return newError(KindUnknownKnowledgeID, format, args...)
}

func NewObserverTimeoutError(format string, args ...any) *Error {
	return newError(KindObserverTimeout, format, args...)
}

// AttachesLearning reports whether this error kind's failure path writes
// a FailureLearning to the catalog before the run terminates.
func (e *Error) AttachesLearning() bool {
	switch e.Kind {
	case KindSymbolResolution, KindTool:
		return true
	default:
		return false
	}
}

// UserMessage renders the user-facing message the CLI prints on
// termination, per the Recovery policy in the error handling design.
func (e *Error) UserMessage() string {
	if e.AttachesLearning() {
		return "Learning attached to KB. Please rerun the task to apply learnings."
	}
	return e.Error()
}
