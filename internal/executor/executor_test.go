package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"deskpilot.app/agent/internal/catalog"
	"deskpilot.app/agent/internal/model"
	"deskpilot.app/agent/internal/retriever"
	"deskpilot.app/agent/internal/vectorindex"
)

type fakeTools struct {
	calls   []string
	results map[string]model.ToolResult
}

func (f *fakeTools) ListTools(ctx context.Context) ([]model.ToolDescriptor, error) {
	return nil, nil
}

func (f *fakeTools) Call(ctx context.Context, toolName string, arguments map[string]any) (model.ToolResult, error) {
	f.calls = append(f.calls, toolName)
	if r, ok := f.results[toolName]; ok {
		return r, nil
	}
	return model.ToolResult{Success: true, Content: "ok"}, nil
}

func (f *fakeTools) Close() error { return nil }

type fakeResolver struct {
	confidence float64
	target     string
	err        error
}

func (r *fakeResolver) Resolve(ctx context.Context, kind, name, state string) (model.ResolverResult, error) {
	if r.err != nil {
		return model.ResolverResult{}, r.err
	}
	return model.ResolverResult{Target: r.target, Confidence: r.confidence}, nil
}

type fakeObserver struct {
	enabled          bool
	approvalResponse model.ApprovalResponse
	feedbackPending  bool
	feedbackResponse model.ApprovalResponse
	feedbackSteps    []int
}

func (o *fakeObserver) Enabled() bool { return o.enabled }
func (o *fakeObserver) RequestApproval(ctx context.Context, req model.ApprovalRequest) (model.ApprovalResponse, error) {
	return o.approvalResponse, nil
}
func (o *fakeObserver) FeedbackRequested() bool { return o.feedbackPending }
func (o *fakeObserver) AwaitFeedback(ctx context.Context, stepNum int, action model.Action) (model.ApprovalResponse, error) {
	o.feedbackPending = false
	o.feedbackSteps = append(o.feedbackSteps, stepNum)
	return o.feedbackResponse, nil
}

type fakeRunLog struct {
	entries []model.ExecutionResult
}

func (l *fakeRunLog) Append(ctx context.Context, result model.ExecutionResult) error {
	l.entries = append(l.entries, result)
	return nil
}

// fakeIndex is a minimal in-memory vectorindex.Index, copied in shape
// from internal/retriever's test fake since both packages need one and
// neither should import the other's test-only types.
type fakeIndex struct {
	docs map[string]model.VectorMetadata
}

func (f *fakeIndex) IndexItem(ctx context.Context, id, embeddingText string, metadata model.VectorMetadata) error {
	f.docs[id] = metadata
	return nil
}
func (f *fakeIndex) Query(ctx context.Context, text string, topK int, filter *vectorindex.Filter) ([]vectorindex.Match, error) {
	return nil, nil
}
func (f *fakeIndex) UpdateMetadata(ctx context.Context, id string, metadata model.VectorMetadata) error {
	f.docs[id] = metadata
	return nil
}

func newTestExecutor(t *testing.T, tools *fakeTools, resolver Resolver, observer Observer) (*Executor, catalog.Store) {
	t.Helper()
	store, err := catalog.NewFileStore(filepath.Join(t.TempDir(), "knowledge_catalog.json"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	idx := &fakeIndex{docs: map[string]model.VectorMetadata{}}
	r := retriever.New(store, idx)
	runLog := &fakeRunLog{}
	return New(tools, resolver, observer, store, r, runLog, time.Second), store
}

func TestSubstituteParametersReplacesPlaceholders(t *testing.T) {
	action := model.Action{
		ToolName: "Type-Tool",
		ToolArguments: map[string]any{
			"text":  "Save as {output_filename}",
			"other": 5,
		},
	}
	out, err := substituteParameters(action, map[string]string{"output_filename": "x.mf4"})
	if err != nil {
		t.Fatalf("substituteParameters failed: %v", err)
	}
	if out.ToolArguments["text"] != "Save as x.mf4" {
		t.Errorf("text = %v, want substituted", out.ToolArguments["text"])
	}
	if out.ToolArguments["other"] != 5 {
		t.Errorf("non-string argument was mutated: %v", out.ToolArguments["other"])
	}
}

func TestSubstituteParametersMissingIsError(t *testing.T) {
	action := model.Action{ToolArguments: map[string]any{"text": "{missing}"}}
	_, err := substituteParameters(action, map[string]string{})
	if err == nil {
		t.Fatal("expected UnresolvedParameterError")
	}
}

func TestSubstituteParametersIdempotentWithoutPlaceholders(t *testing.T) {
	action := model.Action{ToolArguments: map[string]any{"text": "literal"}}
	once, err := substituteParameters(action, map[string]string{"unused": "v"})
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	twice, err := substituteParameters(once, map[string]string{"unused": "v"})
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if once.ToolArguments["text"] != twice.ToolArguments["text"] {
		t.Errorf("substitution not idempotent: %v != %v", once.ToolArguments["text"], twice.ToolArguments["text"])
	}
}

func TestRunStopsAtFirstFailureAndAttachesLearning(t *testing.T) {
	tools := &fakeTools{results: map[string]model.ToolResult{
		"Click-Tool": {Success: false, Error: "Button 'Add Files' not found"},
	}}
	exec, store := newTestExecutor(t, tools, &fakeResolver{}, &fakeObserver{})
	ctx := context.Background()

	if err := store.Update(ctx, model.KnowledgeItem{KnowledgeID: "open_files", TrustScore: 1.0}); err != nil {
		t.Fatalf("seed catalog failed: %v", err)
	}

	task := model.ParameterizedTask{Operation: "Concatenate files", Parameters: map[string]string{}}
	plan := model.Plan{Actions: []model.Action{
		{ToolName: "Click-Tool", KBSource: "open_files", ToolArguments: map[string]any{}},
		{ToolName: "Type-Tool", ToolArguments: map[string]any{}},
	}}

	results, err := exec.Run(ctx, task, plan)
	if err == nil {
		t.Fatal("expected failure error")
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1 (stop at first failure)", len(results))
	}
	if len(tools.calls) != 1 {
		t.Fatalf("tool calls = %v, want exactly 1 (second action never executed)", tools.calls)
	}

	item, err := store.Get(ctx, "open_files")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(item.KBLearnings) != 1 {
		t.Fatalf("len(KBLearnings) = %d, want 1", len(item.KBLearnings))
	}
	if item.KBLearnings[0].OriginalError != "Button 'Add Files' not found" {
		t.Errorf("OriginalError = %q, want match", item.KBLearnings[0].OriginalError)
	}
	if item.TrustScore != 0.95 {
		t.Errorf("TrustScore = %v, want 0.95", item.TrustScore)
	}
}

func TestRunSucceedsThroughAllSteps(t *testing.T) {
	tools := &fakeTools{results: map[string]model.ToolResult{}}
	exec, _ := newTestExecutor(t, tools, &fakeResolver{}, &fakeObserver{})
	ctx := context.Background()

	task := model.ParameterizedTask{Operation: "op", Parameters: map[string]string{}}
	plan := model.Plan{Actions: []model.Action{
		{ToolName: "Click-Tool", ToolArguments: map[string]any{}},
		{ToolName: "Type-Tool", ToolArguments: map[string]any{}},
	}}

	results, err := exec.Run(ctx, task, plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("step %d not successful: %+v", r.StepNum, r)
		}
	}
}

func TestResolveSymbolicReferenceLowConfidenceRequestsApproval(t *testing.T) {
	tools := &fakeTools{results: map[string]model.ToolResult{
		StateToolName: {Success: true, Content: "state"},
	}}
	corrected := model.Action{ToolName: "Click-Tool", ToolArguments: map[string]any{"x": "200,200"}}
	observer := &fakeObserver{enabled: true, approvalResponse: model.ApprovalResponse{
		Decision:  model.ApprovalCorrect,
		Corrected: &corrected,
	}}
	resolver := &fakeResolver{confidence: 0.42, target: "100,100"}
	exec, _ := newTestExecutor(t, tools, resolver, observer)
	ctx := context.Background()

	action := model.Action{
		ToolName:      "Click-Tool",
		ToolArguments: map[string]any{"x": "last_state:button:Add Files"},
	}

	out, err := exec.resolveSymbolicReferences(ctx, 0, action)
	if err != nil {
		t.Fatalf("resolveSymbolicReferences failed: %v", err)
	}
	if out.ToolArguments["x"] != "200,200" {
		t.Errorf("expected corrected action to be used, got %v", out.ToolArguments["x"])
	}
}

func TestResolverFailureAttachesLearning(t *testing.T) {
	tools := &fakeTools{results: map[string]model.ToolResult{
		StateToolName: {Success: true, Content: "state"},
	}}
	resolver := &fakeResolver{err: errResolverDown}
	exec, store := newTestExecutor(t, tools, resolver, &fakeObserver{})
	ctx := context.Background()

	if err := store.Update(ctx, model.KnowledgeItem{KnowledgeID: "open_files", TrustScore: 1.0}); err != nil {
		t.Fatalf("seed catalog failed: %v", err)
	}

	task := model.ParameterizedTask{Operation: "op", Parameters: map[string]string{}}
	plan := model.Plan{Actions: []model.Action{
		{ToolName: "Click-Tool", KBSource: "open_files",
			ToolArguments: map[string]any{"x": "last_state:button:Add Files"}},
	}}

	if _, err := exec.Run(ctx, task, plan); err == nil {
		t.Fatal("expected symbol resolution failure")
	}

	item, err := store.Get(ctx, "open_files")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(item.KBLearnings) != 1 {
		t.Fatalf("len(KBLearnings) = %d, want 1 (resolution failure attaches a learning)", len(item.KBLearnings))
	}
	if item.TrustScore != 0.95 {
		t.Errorf("TrustScore = %v, want 0.95", item.TrustScore)
	}
}

var errResolverDown = &resolverDownError{}

type resolverDownError struct{}

func (*resolverDownError) Error() string { return "resolver unavailable" }

func TestLowConfidenceSkipAdvancesWithoutExecuting(t *testing.T) {
	tools := &fakeTools{results: map[string]model.ToolResult{
		StateToolName: {Success: true, Content: "state"},
	}}
	observer := &fakeObserver{enabled: true, approvalResponse: model.ApprovalResponse{Decision: model.ApprovalSkip}}
	resolver := &fakeResolver{confidence: 0.2, target: "100,100"}
	exec, _ := newTestExecutor(t, tools, resolver, observer)
	ctx := context.Background()

	task := model.ParameterizedTask{Operation: "op", Parameters: map[string]string{}}
	plan := model.Plan{Actions: []model.Action{
		{ToolName: "Click-Tool", ToolArguments: map[string]any{"x": "last_state:button:Add Files"}},
		{ToolName: "Type-Tool", ToolArguments: map[string]any{}},
	}}

	results, err := exec.Run(ctx, task, plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, call := range tools.calls {
		if call == "Click-Tool" {
			t.Error("skipped step must not execute its tool")
		}
	}
}

func TestFeedbackCheckpointTiedToExecutedStep(t *testing.T) {
	tools := &fakeTools{results: map[string]model.ToolResult{}}
	observer := &fakeObserver{
		enabled:          true,
		feedbackPending:  true,
		feedbackResponse: model.ApprovalResponse{Decision: model.ApprovalApprove},
	}
	exec, _ := newTestExecutor(t, tools, &fakeResolver{}, observer)
	ctx := context.Background()

	task := model.ParameterizedTask{Operation: "op", Parameters: map[string]string{}}
	plan := model.Plan{Actions: []model.Action{
		{ToolName: "Click-Tool", ToolArguments: map[string]any{}},
		{ToolName: "Type-Tool", ToolArguments: map[string]any{}},
	}}

	results, err := exec.Run(ctx, task, plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	// The flag was set before step 0 ran, so the prompt fires right after
	// step 0's result and is tied to step 0, not step 1.
	if len(observer.feedbackSteps) != 1 || observer.feedbackSteps[0] != 0 {
		t.Errorf("feedback prompted at steps %v, want exactly [0]", observer.feedbackSteps)
	}
}

func TestResolveSymbolicReferenceHighConfidenceNoApproval(t *testing.T) {
	tools := &fakeTools{results: map[string]model.ToolResult{
		StateToolName: {Success: true, Content: "state"},
	}}
	observer := &fakeObserver{enabled: true}
	resolver := &fakeResolver{confidence: 0.9, target: "100,100"}
	exec, _ := newTestExecutor(t, tools, resolver, observer)
	ctx := context.Background()

	action := model.Action{
		ToolName:      "Click-Tool",
		ToolArguments: map[string]any{"x": "last_state:button:Add Files"},
	}

	out, err := exec.resolveSymbolicReferences(ctx, 0, action)
	if err != nil {
		t.Fatalf("resolveSymbolicReferences failed: %v", err)
	}
	if out.ToolArguments["x"] != "100,100" {
		t.Errorf("expected proposed target to be used, got %v", out.ToolArguments["x"])
	}
}
