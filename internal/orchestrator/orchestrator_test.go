package orchestrator

import (
	"context"
	"testing"

	"deskpilot.app/agent/internal/catalog"
	"deskpilot.app/agent/internal/model"
)

type fakeRetriever struct {
	items []model.KnowledgeItem
	err   error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, topK int) ([]model.KnowledgeItem, error) {
	return f.items, f.err
}

type fakeSkills struct {
	matches       []model.SkillMatch
	added         []model.VerifiedSkill
	incrementedID string
}

func (f *fakeSkills) FindSimilar(ctx context.Context, operation string) []model.SkillMatch {
	return f.matches
}

func (f *fakeSkills) Add(ctx context.Context, skill model.VerifiedSkill) (model.VerifiedSkill, error) {
	skill.SkillID = "skill_0_1"
	f.added = append(f.added, skill)
	return skill, nil
}

func (f *fakeSkills) IncrementUsage(ctx context.Context, skillID string) error {
	f.incrementedID = skillID
	return nil
}

type fakePlanner struct {
	plan model.Plan
	err  error
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, task model.ParameterizedTask, available []model.KnowledgeItem, rerun int, rerunContext, latestState string) (model.Plan, error) {
	return f.plan, f.err
}

type fakeTools struct {
	tools []model.ToolDescriptor
}

func (f *fakeTools) ListTools(ctx context.Context) ([]model.ToolDescriptor, error) {
	return f.tools, nil
}

type fakeExecutor struct {
	results []model.ExecutionResult
	err     error
}

func (f *fakeExecutor) Run(ctx context.Context, task model.ParameterizedTask, plan model.Plan) ([]model.ExecutionResult, error) {
	return f.results, f.err
}

type fakeVerifier struct {
	enabled  bool
	response model.VerificationResponse
	err      error
}

func (f *fakeVerifier) Enabled() bool { return f.enabled }

func (f *fakeVerifier) VerifyRun(ctx context.Context, task model.ParameterizedTask, summary string) (model.VerificationResponse, error) {
	return f.response, f.err
}

type fakeRecovery struct {
	called bool
}

func (f *fakeRecovery) Synthesize(ctx context.Context, skill model.VerifiedSkill, items []model.KnowledgeItem) error {
	f.called = true
	return nil
}

type fakeCost struct {
	written bool
}

func (f *fakeCost) WriteReport(dir string, runID int64) error {
	f.written = true
	return nil
}

func newCatalogWithItem(t *testing.T, id string) *catalog.FileStore {
	t.Helper()
	store, err := catalog.NewFileStore(t.TempDir() + "/catalog.json")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Update(context.Background(), model.KnowledgeItem{KnowledgeID: id, TrustScore: 1.0}); err != nil {
		t.Fatalf("seeding catalog: %v", err)
	}
	return store
}

func TestRunHappyPathAutoVerifySavesSkillAndCostReport(t *testing.T) {
	ctx := context.Background()
	store := newCatalogWithItem(t, "kb-1")

	plan := model.Plan{Actions: []model.Action{
		{ToolName: "click", ToolArguments: map[string]any{"target": "ok"}, KBSource: "kb-1"},
	}}
	results := []model.ExecutionResult{{StepNum: 0, Success: true, Action: plan.Actions[0]}}

	skillsLib := &fakeSkills{}
	costRec := &fakeCost{}
	recov := &fakeRecovery{}

	o := New(Config{
		Catalog:   store,
		Retriever: &fakeRetriever{},
		Skills:    skillsLib,
		Planner:   &fakePlanner{plan: plan},
		Tools:     &fakeTools{tools: []model.ToolDescriptor{{Name: "click"}}},
		Executor:  &fakeExecutor{results: results},
		Observer:  nil, // auto-success verify
		Recovery:  recov,
		Cost:      costRec,
		FindUnresolvedLearnings: func(ctx context.Context, s catalog.Store) ([]model.KnowledgeItem, error) {
			return nil, nil
		},
		CostReportsDir:     t.TempDir(),
		SynthesizeRecovery: true,
	})

	res, err := o.Run(ctx, 1, model.ParameterizedTask{Operation: "close dialog"}, 0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", res.Outcome)
	}
	if !costRec.written {
		t.Errorf("expected cost report to be written")
	}
	// verified.SaveAsSkill defaults to false on auto-success, so no skill
	// should have been saved and recovery should not have run.
	if len(skillsLib.added) != 0 {
		t.Errorf("expected no skill saved without explicit save request, got %d", len(skillsLib.added))
	}
	if recov.called {
		t.Errorf("expected recovery synthesis to be skipped when no skill was saved")
	}
}

func TestRunSkillShortCircuitUsesMatchAndIncrementsUsage(t *testing.T) {
	ctx := context.Background()
	store := newCatalogWithItem(t, "kb-1")

	matchedSkill := model.VerifiedSkill{
		SkillID:         "skill_0_1",
		TaskDescription: "close dialog",
		ActionPlan:      []model.Action{{ToolName: "keypress", ToolArguments: map[string]any{"key": "Escape"}}},
	}
	skillsLib := &fakeSkills{matches: []model.SkillMatch{{Skill: matchedSkill, Similarity: 0.9}}}
	results := []model.ExecutionResult{{StepNum: 0, Success: true, Action: matchedSkill.ActionPlan[0]}}

	planner := &fakePlanner{err: errShouldNotBeCalled}

	o := New(Config{
		Catalog:   store,
		Retriever: &fakeRetriever{},
		Skills:    skillsLib,
		Planner:   planner,
		Tools:     &fakeTools{tools: []model.ToolDescriptor{{Name: "keypress"}}},
		Executor:  &fakeExecutor{results: results},
	})

	res, err := o.Run(ctx, 2, model.ParameterizedTask{Operation: "close dialog"}, 0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", res.Outcome)
	}
	if skillsLib.incrementedID != "skill_0_1" {
		t.Errorf("expected skill usage incremented, got %q", skillsLib.incrementedID)
	}
}

var errShouldNotBeCalled = &plannerCalledError{}

type plannerCalledError struct{}

func (*plannerCalledError) Error() string { return "planner should not have been called" }

func TestRunValidateRejectsUnknownTool(t *testing.T) {
	ctx := context.Background()
	store := newCatalogWithItem(t, "kb-1")

	plan := model.Plan{Actions: []model.Action{{ToolName: "nonexistent-tool"}}}

	o := New(Config{
		Catalog:   store,
		Retriever: &fakeRetriever{},
		Skills:    &fakeSkills{},
		Planner:   &fakePlanner{plan: plan},
		Tools:     &fakeTools{tools: []model.ToolDescriptor{{Name: "click"}}},
		Executor:  &fakeExecutor{},
	})

	res, err := o.Run(ctx, 3, model.ParameterizedTask{Operation: "whatever"}, 0)
	if err == nil {
		t.Fatalf("expected validate to reject unknown tool")
	}
	if res.Outcome != OutcomeFailure {
		t.Errorf("expected failure outcome, got %s", res.Outcome)
	}
}

func TestRunVerificationFailureEndsInError(t *testing.T) {
	ctx := context.Background()
	store := newCatalogWithItem(t, "kb-1")

	plan := model.Plan{Actions: []model.Action{{ToolName: "click"}}}
	results := []model.ExecutionResult{{StepNum: 0, Success: true, Action: plan.Actions[0]}}

	o := New(Config{
		Catalog:   store,
		Retriever: &fakeRetriever{},
		Skills:    &fakeSkills{},
		Planner:   &fakePlanner{plan: plan},
		Tools:     &fakeTools{tools: []model.ToolDescriptor{{Name: "click"}}},
		Executor:  &fakeExecutor{results: results},
		Observer:  &fakeVerifier{enabled: true, response: model.VerificationResponse{Outcome: model.VerificationFailed, Reason: "didn't work"}},
	})

	res, err := o.Run(ctx, 4, model.ParameterizedTask{Operation: "whatever"}, 0)
	if err == nil {
		t.Fatalf("expected verification failure to end the run in error")
	}
	if res.Outcome != OutcomeFailure {
		t.Errorf("expected failure outcome, got %s", res.Outcome)
	}
}

func TestRunSavesSkillWithSymbolicReferenceResolvedAndPlaceholderPreserved(t *testing.T) {
	ctx := context.Background()
	store := newCatalogWithItem(t, "kb-1")

	plan := model.Plan{Actions: []model.Action{
		{
			ToolName: "click",
			ToolArguments: map[string]any{
				"target":   "last_state:button:close",
				"filename": "{output_filename}",
			},
		},
	}}
	executedAction := model.Action{
		ToolName: "click",
		ToolArguments: map[string]any{
			"target":   "coord:120,80",
			"filename": "report.mf4",
		},
	}
	results := []model.ExecutionResult{{StepNum: 0, Success: true, Action: executedAction}}

	skillsLib := &fakeSkills{}

	o := New(Config{
		Catalog:   store,
		Retriever: &fakeRetriever{},
		Skills:    skillsLib,
		Planner:   &fakePlanner{plan: plan},
		Tools:     &fakeTools{tools: []model.ToolDescriptor{{Name: "click"}}},
		Executor:  &fakeExecutor{results: results},
		Observer: &fakeVerifier{enabled: true, response: model.VerificationResponse{
			Outcome: model.VerificationSuccess, SaveAsSkill: true, Tags: []string{"gui"},
		}},
	})

	res, err := o.Run(ctx, 5, model.ParameterizedTask{Operation: "close"}, 0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Skill == nil {
		t.Fatalf("expected a saved skill")
	}
	saved := skillsLib.added[0]
	if saved.HasUnresolvedSymbolicReference() {
		t.Errorf("saved skill must not contain a symbolic reference")
	}
	got := saved.ActionPlan[0].ToolArguments
	if got["target"] != "coord:120,80" {
		t.Errorf("expected symbolic reference resolved to executed value, got %v", got["target"])
	}
	if got["filename"] != "{output_filename}" {
		t.Errorf("expected parameter placeholder preserved, got %v", got["filename"])
	}
}
