// Package orchestrator implements the orchestration state machine:
// retrieve → plan → validate → execute → verify → finalize, with error
// as a terminal state with no edge back into plan or execute. Reruns are
// a new Orchestrator instance with a new plan number, never a loop back
// from error.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deskpilot.app/agent/common"
	"deskpilot.app/agent/common/logger"
	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/catalog"
	"deskpilot.app/agent/internal/model"
)

// RetrieveTopK is how many knowledge items the retrieve state pulls for
// the task before planning.
const RetrieveTopK = 5

// SkillShortCircuitThreshold is the similarity a Skill Library match must
// clear for the plan state to reuse it instead of calling the Planner.
const SkillShortCircuitThreshold = 0.75

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result is what a completed (or terminated) run produces.
type Result struct {
	RunID    int64
	Outcome  Outcome
	Plan     model.Plan
	Results  []model.ExecutionResult
	Skill    *model.VerifiedSkill
	Verified model.VerificationResponse
}

// Retriever is the subset of the Knowledge Retriever the orchestrator
// depends on for the retrieve state.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]model.KnowledgeItem, error)
}

// SkillFinder is the subset of the Skill Library the orchestrator depends
// on: the short-circuit lookup in plan, and persistence in finalize.
type SkillFinder interface {
	FindSimilar(ctx context.Context, operation string) []model.SkillMatch
	Add(ctx context.Context, skill model.VerifiedSkill) (model.VerifiedSkill, error)
	IncrementUsage(ctx context.Context, skillID string) error
}

// PlanGenerator is the subset of the Planner the orchestrator depends on.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, task model.ParameterizedTask, availableKnowledge []model.KnowledgeItem, rerun int, rerunContext string, latestState string) (model.Plan, error)
}

// ToolLister is the subset of the Tool Client used to validate tool names
// at the validate state.
type ToolLister interface {
	ListTools(ctx context.Context) ([]model.ToolDescriptor, error)
}

// PlanExecutor is the subset of the Adaptive Executor the orchestrator
// depends on for the execute state.
type PlanExecutor interface {
	Run(ctx context.Context, task model.ParameterizedTask, plan model.Plan) ([]model.ExecutionResult, error)
}

// Verifier is the subset of the Human Observer used for the end-of-run
// verification prompt. A nil Verifier or one reporting Enabled() == false
// auto-succeeds the verify state.
type Verifier interface {
	Enabled() bool
	VerifyRun(ctx context.Context, task model.ParameterizedTask, summary string) (model.VerificationResponse, error)
}

// RecoverySynthesizer is the subset of the Recovery Synthesizer invoked
// opt-in during finalize.
type RecoverySynthesizer interface {
	Synthesize(ctx context.Context, skill model.VerifiedSkill, items []model.KnowledgeItem) error
}

// CostReporter writes the cost_reports/<run_id>.json artifact in finalize.
type CostReporter interface {
	WriteReport(dir string, runID int64) error
}

// UnresolvedLearningFinder finds catalog items carrying unresolved
// learnings, the input set the Recovery Synthesizer needs.
type UnresolvedLearningFinder func(ctx context.Context, store catalog.Store) ([]model.KnowledgeItem, error)

// Orchestrator composes the retriever, skill library, planner, tool
// client, executor, observer, recovery synthesizer, and cost recorder
// into the state machine that drives one run.
type Orchestrator struct {
	catalog   catalog.Store
	retriever Retriever
	skills    SkillFinder
	planner   PlanGenerator
	tools     ToolLister
	executor  PlanExecutor
	observer  Verifier
	recovery  RecoverySynthesizer
	cost      CostReporter

	findUnresolvedLearnings UnresolvedLearningFinder

	costReportsDir string

	// synthesizeRecovery gates the Recovery Synthesizer call in finalize;
	// it runs only when the user opted in.
	synthesizeRecovery bool
}

// Config bundles every dependency and the two opt-in user settings New
// needs.
type Config struct {
	Catalog   catalog.Store
	Retriever Retriever
	Skills    SkillFinder
	Planner   PlanGenerator
	Tools     ToolLister
	Executor  PlanExecutor
	Observer  Verifier // nil is a valid "no HITL" configuration
	Recovery  RecoverySynthesizer
	Cost      CostReporter

	FindUnresolvedLearnings UnresolvedLearningFinder

	CostReportsDir     string
	SynthesizeRecovery bool
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		catalog:                 cfg.Catalog,
		retriever:               cfg.Retriever,
		skills:                  cfg.Skills,
		planner:                 cfg.Planner,
		tools:                   cfg.Tools,
		executor:                cfg.Executor,
		observer:                cfg.Observer,
		recovery:                cfg.Recovery,
		cost:                    cfg.Cost,
		findUnresolvedLearnings: cfg.FindUnresolvedLearnings,
		costReportsDir:          cfg.CostReportsDir,
		synthesizeRecovery:      cfg.SynthesizeRecovery,
	}
}

// Run drives one pass of the state machine for task, at plan version
// rerun. The retrieve, plan, validate, verify and finalize states are
// methods below named after them; execute calls the executor directly,
// and the terminal error state is fail.
func (o *Orchestrator) Run(ctx context.Context, runID int64, task model.ParameterizedTask, rerun int) (Result, error) {
	slug, _ := common.Slugify(task.Operation, "task")
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:       logger.Ptr(runID),
		TaskSlug:    logger.Ptr(slug),
		PlanVersion: logger.Ptr(rerun),
		Component:   "agent.orchestrator",
	})
	slog.InfoContext(ctx, "orchestrator: run starting", "task", task.Canonical())

	knowledge, matchedSkill, err := func() ([]model.KnowledgeItem, *model.SkillMatch, error) {
		sc := logger.StartSpan(ctx, "orchestrator.retrieve")
		defer sc.End()
		return o.retrieve(sc.Context(), task)
	}()
	if err != nil {
		return o.fail(ctx, runID, err)
	}

	plan, err := runPhase(ctx, "plan", func(ctx context.Context) (model.Plan, error) {
		return o.plan(ctx, task, knowledge, matchedSkill, rerun)
	})
	if err != nil {
		return o.fail(ctx, runID, err)
	}

	if _, err := runPhase(ctx, "validate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.validate(ctx, plan)
	}); err != nil {
		return o.fail(ctx, runID, err)
	}

	results, err := runPhase(ctx, "execute", func(ctx context.Context) ([]model.ExecutionResult, error) {
		return o.executor.Run(ctx, task, plan)
	})
	if err != nil {
		return o.fail(ctx, runID, err)
	}

	verified, err := runPhase(ctx, "verify", func(ctx context.Context) (model.VerificationResponse, error) {
		return o.verify(ctx, task, results)
	})
	if err != nil {
		return o.fail(ctx, runID, err)
	}
	if verified.Outcome != model.VerificationSuccess {
		return o.fail(ctx, runID, fmt.Errorf("run verification outcome %q: %s", verified.Outcome, verified.Reason))
	}

	skill, err := runPhase(ctx, "finalize", func(ctx context.Context) (*model.VerifiedSkill, error) {
		return o.finalize(ctx, runID, task, plan, results, verified)
	})
	if err != nil {
		return o.fail(ctx, runID, err)
	}

	slog.InfoContext(ctx, "orchestrator: run succeeded", "run_id", runID)
	return Result{
		RunID:    runID,
		Outcome:  OutcomeSuccess,
		Plan:     plan,
		Results:  results,
		Skill:    skill,
		Verified: verified,
	}, nil
}

// runPhase wraps one state of the machine in a span named after it, so
// every run traces as one span per phase.
func runPhase[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	sc := logger.StartSpan(ctx, "orchestrator."+name)
	defer sc.End()

	out, err := fn(sc.Context())
	if err != nil {
		sc.RecordError(err)
	}
	return out, err
}

// retrieve runs the Knowledge Retriever for the task, and separately
// checks the Skill Library for a short-circuit match. The skill match,
// if any, is threaded through to plan rather than acted on here so the
// retrieve/plan state split stays intact.
func (o *Orchestrator) retrieve(ctx context.Context, task model.ParameterizedTask) ([]model.KnowledgeItem, *model.SkillMatch, error) {
	knowledge, err := o.retriever.Retrieve(ctx, task.Canonical(), RetrieveTopK)
	if err != nil {
		return nil, nil, err
	}

	var matched *model.SkillMatch
	if o.skills != nil {
		matches := o.skills.FindSimilar(ctx, task.Operation)
		if len(matches) > 0 && matches[0].Similarity >= SkillShortCircuitThreshold {
			matched = &matches[0]
		}
	}

	return knowledge, matched, nil
}

// plan tries the Skill Library short-circuit first; otherwise it calls
// the Planner. A matched skill bumps times_used immediately, since reuse
// happens here regardless of whether this run goes on to save a new
// skill in finalize.
func (o *Orchestrator) plan(ctx context.Context, task model.ParameterizedTask, knowledge []model.KnowledgeItem, matched *model.SkillMatch, rerun int) (model.Plan, error) {
	if matched != nil {
		slog.InfoContext(ctx, "orchestrator: reusing verified skill", "skill_id", matched.Skill.SkillID, "similarity", matched.Similarity)
		if err := o.skills.IncrementUsage(ctx, matched.Skill.SkillID); err != nil {
			slog.WarnContext(ctx, "orchestrator: incrementing skill usage failed", "skill_id", matched.Skill.SkillID, "error", err)
		}
		return model.Plan{
			Actions:   matched.Skill.ActionPlan,
			Reasoning: fmt.Sprintf("reused verified skill %s (similarity %.2f)", matched.Skill.SkillID, matched.Similarity),
		}, nil
	}

	rerunContext := ""
	if rerun > 0 {
		rerunContext = fmt.Sprintf("This is rerun %d of this task after a prior failed run; prior learnings on the retrieved knowledge items above take precedence over their documented action sequence.", rerun)
	}

	return o.planner.GeneratePlan(ctx, task, knowledge, rerun, rerunContext, "")
}

// validate checks a freshly produced plan: every tool_name must be real,
// and every kb_source, if set, should resolve against the catalog. An
// unknown kb_source is a logged warning rather than a fatal error.
func (o *Orchestrator) validate(ctx context.Context, plan model.Plan) error {
	if len(plan.Actions) == 0 {
		return apperr.NewPlanSchemaError("plan has no actions")
	}

	tools, err := o.tools.ListTools(ctx)
	if err != nil {
		return apperr.NewToolError("listing tools for validation: %w", err)
	}
	toolNames := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		toolNames[t.Name] = struct{}{}
	}

	for i, action := range plan.Actions {
		if _, ok := toolNames[action.ToolName]; !ok {
			return apperr.NewPlanSchemaError("action %d: unknown tool %q", i, action.ToolName)
		}
		if action.KBSource == "" {
			continue
		}
		if _, err := o.catalog.Get(ctx, action.KBSource); err != nil {
			if ae, ok := err.(*apperr.Error); ok && ae.Kind == apperr.KindUnknownKnowledgeID {
				slog.WarnContext(ctx, "orchestrator: kb_source not found in catalog at validate", "kb_source", action.KBSource)
				continue
			}
			return err
		}
	}
	return nil
}

// verify runs the end-of-run verification: the Human Observer's prompt
// when HITL is on, auto-success otherwise.
func (o *Orchestrator) verify(ctx context.Context, task model.ParameterizedTask, results []model.ExecutionResult) (model.VerificationResponse, error) {
	if o.observer == nil || !o.observer.Enabled() {
		return model.VerificationResponse{Outcome: model.VerificationSuccess}, nil
	}
	summary := summarizeResults(results)
	resp, err := o.observer.VerifyRun(ctx, task, summary)
	if err != nil {
		return model.VerificationResponse{}, apperr.NewObserverTimeoutError("verification rendezvous: %w", err)
	}
	return resp, nil
}

func summarizeResults(results []model.ExecutionResult) string {
	summary := ""
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED: " + r.Error
		}
		summary += fmt.Sprintf("  step %d: %s(%v) -> %s\n", r.StepNum, r.Action.ToolName, r.Action.ToolArguments, status)
	}
	return summary
}

// finalize saves a new verified skill when requested, optionally
// synthesizes recovery approaches, and writes the cost report.
func (o *Orchestrator) finalize(ctx context.Context, runID int64, task model.ParameterizedTask, plan model.Plan, results []model.ExecutionResult, verified model.VerificationResponse) (*model.VerifiedSkill, error) {
	var savedSkill *model.VerifiedSkill

	if verified.SaveAsSkill && o.skills != nil {
		resolvedActions := buildSkillActionPlan(plan, results)
		skill := model.VerifiedSkill{
			TaskDescription: task.Operation,
			ActionPlan:      resolvedActions,
			Tags:            verified.Tags,
			Metadata: model.SkillMetadata{
				VerifiedAt:  time.Now().UTC(),
				SessionID:   fmt.Sprintf("%d", runID),
				SuccessRate: 1.0,
			},
		}
		if skill.HasUnresolvedSymbolicReference() {
			return nil, apperr.NewPlanSchemaError("refusing to save skill with an unresolved symbolic reference")
		}

		saved, err := o.skills.Add(ctx, skill)
		if err != nil {
			return nil, apperr.NewCatalogIOError("saving verified skill: %w", err)
		}
		savedSkill = &saved

		if o.synthesizeRecovery && o.recovery != nil && o.findUnresolvedLearnings != nil {
			items, err := o.findUnresolvedLearnings(ctx, o.catalog)
			if err != nil {
				slog.WarnContext(ctx, "orchestrator: listing items with unresolved learnings failed", "error", err)
			} else if err := o.recovery.Synthesize(ctx, saved, items); err != nil {
				slog.WarnContext(ctx, "orchestrator: recovery synthesis failed", "error", err)
			}
		}
	}

	if o.cost != nil {
		if err := o.cost.WriteReport(o.costReportsDir, runID); err != nil {
			return savedSkill, apperr.NewCatalogIOError("writing cost report: %w", err)
		}
	}

	return savedSkill, nil
}

// buildSkillActionPlan derives the persisted action plan for a saved
// skill from the planned actions and their executed results: every
// symbolic reference is replaced by the concrete value the executor
// actually resolved it to, while every other argument, including "{name}"
// parameter placeholders, is kept exactly as the plan specified it so the
// skill generalizes to different parameter values.
func buildSkillActionPlan(plan model.Plan, results []model.ExecutionResult) []model.Action {
	// Results are keyed by step number rather than position: a step the
	// human skipped or re-ran via feedback would otherwise shift every
	// later result out of alignment with its planned action.
	executedByStep := make(map[int]map[string]any, len(results))
	for _, r := range results {
		if r.Success {
			executedByStep[r.StepNum] = r.Action.ToolArguments
		}
	}

	out := make([]model.Action, len(plan.Actions))
	for i, action := range plan.Actions {
		resolved := action
		resolved.ToolArguments = make(map[string]any, len(action.ToolArguments))

		executedArgs := executedByStep[i]

		for k, v := range action.ToolArguments {
			s, isString := v.(string)
			if isString && model.IsSymbolicReference(s) && executedArgs != nil {
				if executed, ok := executedArgs[k]; ok {
					resolved.ToolArguments[k] = executed
					continue
				}
			}
			resolved.ToolArguments[k] = v
		}
		out[i] = resolved
	}
	return out
}

// fail implements the error state: log and terminate with no edge back
// into plan or execute.
func (o *Orchestrator) fail(ctx context.Context, runID int64, err error) (Result, error) {
	msg := err.Error()
	if ae, ok := err.(*apperr.Error); ok {
		msg = ae.UserMessage()
	}
	slog.ErrorContext(ctx, "orchestrator: run terminated", "run_id", runID, "message", msg)
	return Result{RunID: runID, Outcome: OutcomeFailure}, err
}
