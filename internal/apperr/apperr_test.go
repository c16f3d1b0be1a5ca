package apperr

import (
	"errors"
	"strings"
	"testing"
)

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewCatalogIOError("writing catalog: %w", cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the wrapped cause")
	}
	if !strings.Contains(err.Error(), "CatalogIOError") {
		t.Errorf("Error() = %q, want kind prefix", err.Error())
	}
}

func TestAttachesLearningOnlyForStepFailures(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{NewToolError("x"), true},
		{NewSymbolResolutionError("x"), true},
		{NewLLMError("x"), false},
		{NewPlanSchemaError("x"), false},
		{NewUnresolvedParameterError("x"), false},
		{NewCatalogIOError("x"), false},
		{NewUnknownKnowledgeIDError("x"), false},
		{NewObserverTimeoutError("x"), false},
	}
	for _, tt := range tests {
		if got := tt.err.AttachesLearning(); got != tt.want {
			t.Errorf("%s: AttachesLearning() = %v, want %v", tt.err.Kind, got, tt.want)
		}
	}
}

func TestUserMessagePointsAtRerunWhenLearningWasWritten(t *testing.T) {
	withLearning := NewToolError("step 2 failed")
	if !strings.Contains(withLearning.UserMessage(), "rerun the task") {
		t.Errorf("UserMessage() = %q, want rerun hint", withLearning.UserMessage())
	}

	fatal := NewPlanSchemaError("bad plan")
	if fatal.UserMessage() != fatal.Error() {
		t.Errorf("UserMessage() = %q, want raw error for non-learning kinds", fatal.UserMessage())
	}
}
