// Package executor implements the Adaptive Executor: parameter
// substitution, symbolic-reference resolution against live UI state,
// low-confidence approval gating, and failure-to-learning attachment.
//
// The executor stops at the first failure. There is no replanning and no
// retry; a failed step ends the run, and the attached learning informs
// the next run's planner instead.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"deskpilot.app/agent/common/logger"
	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/catalog"
	"deskpilot.app/agent/internal/model"
	"deskpilot.app/agent/internal/retriever"
	"deskpilot.app/agent/internal/toolclient"
)

// ApprovalConfidenceThreshold is the resolver confidence below which a
// low-confidence approval is requested when the Human Observer is on.
const ApprovalConfidenceThreshold = 0.5

// Resolver maps a symbolic reference's (kind, name) tuple to a concrete
// target using the live state and the LLM in "resolver" mode.
type Resolver interface {
	Resolve(ctx context.Context, kind, name string, state string) (model.ResolverResult, error)
}

// Observer is the subset of the Human Observer the executor talks to:
// the low-confidence approval rendezvous and the hotkey-triggered
// feedback checkpoint. Both are synchronous, one-at-a-time rendezvous;
// a second request is never outstanding while one is pending.
type Observer interface {
	Enabled() bool
	RequestApproval(ctx context.Context, req model.ApprovalRequest) (model.ApprovalResponse, error)
	FeedbackRequested() bool
	AwaitFeedback(ctx context.Context, stepNum int, action model.Action) (model.ApprovalResponse, error)
}

// RunLog records ExecutionResults as they happen, independent of the
// plan audit files the Planner writes.
type RunLog interface {
	Append(ctx context.Context, result model.ExecutionResult) error
}

var heuristicFailureWords = []string{"not found", "failed", "error"}

// Executor runs a Plan strictly in order against the Tool Client.
type Executor struct {
	tools     toolclient.Client
	resolver  Resolver
	observer  Observer
	catalog   catalog.Store
	retriever *retriever.Retriever
	runLog    RunLog

	toolTimeout time.Duration

	// stateCache is the latest State-Tool response, scoped to the
	// current run. It is invalidated whenever any non-State-Tool action
	// executes, since that action may have changed the screen.
	stateCache      string
	stateCacheValid bool
}

func New(tools toolclient.Client, resolver Resolver, observer Observer, store catalog.Store, r *retriever.Retriever, runLog RunLog, toolTimeout time.Duration) *Executor {
	return &Executor{
		tools:       tools,
		resolver:    resolver,
		observer:    observer,
		catalog:     store,
		retriever:   r,
		runLog:      runLog,
		toolTimeout: toolTimeout,
	}
}

// StateToolName is the fixed opaque tool name used for live state
// capture; plan actions with exactly this name follow its cache rules.
const StateToolName = "State-Tool"

// Run executes a plan's actions in order. It returns the full set of
// ExecutionResults produced so far and, if a step failed, the error that
// stopped the run. The orchestrator is solely responsible for deciding
// what happens next; Run never replans or retries a failed step.
//
// The hotkey flag is polled right after each step's execute result, so a
// feedback prompt is always tied to the step that just ran; the in-flight
// tool call is never interrupted.
func (e *Executor) Run(ctx context.Context, task model.ParameterizedTask, plan model.Plan) ([]model.ExecutionResult, error) {
	results := make([]model.ExecutionResult, 0, len(plan.Actions))

	for stepNum, action := range plan.Actions {
		stepCtx := logger.WithLogFields(ctx, logger.LogFields{StepNum: logger.Ptr(stepNum)})

		result, execErr := e.runStep(stepCtx, task, stepNum, action)
		results = append(results, result)

		if e.runLog != nil {
			if err := e.runLog.Append(stepCtx, result); err != nil {
				slog.WarnContext(stepCtx, "executor: run log append failed", "error", err)
			}
		}

		if execErr != nil {
			return results, execErr
		}

		remedial, err := e.feedbackCheckpoint(stepCtx, task, stepNum, result.Action)
		if err != nil {
			return results, err
		}
		if remedial != nil {
			results = append(results, *remedial)
			if e.runLog != nil {
				if err := e.runLog.Append(stepCtx, *remedial); err != nil {
					slog.WarnContext(stepCtx, "executor: run log append failed", "error", err)
				}
			}
			if !remedial.Success {
				return results, apperr.NewToolError("step %d corrective action failed: %s", stepNum, remedial.Error)
			}
		}
	}

	return results, nil
}

// feedbackCheckpoint polls the hotkey flag right after a step's execute
// result and, if set, performs the feedback rendezvous tied to that step.
// A "correct" response runs the human's corrective action immediately as
// a remedial step before the plan advances; approve and skip just resume.
func (e *Executor) feedbackCheckpoint(ctx context.Context, task model.ParameterizedTask, stepNum int, executed model.Action) (*model.ExecutionResult, error) {
	if e.observer == nil || !e.observer.Enabled() || !e.observer.FeedbackRequested() {
		return nil, nil
	}

	resp, err := e.observer.AwaitFeedback(ctx, stepNum, executed)
	if err != nil {
		return nil, apperr.NewObserverTimeoutError("awaiting feedback at step %d: %w", stepNum, err)
	}
	if resp.Decision != model.ApprovalCorrect || resp.Corrected == nil {
		return nil, nil
	}

	slog.InfoContext(ctx, "executor: running corrective action from human feedback", "step_num", stepNum)
	result, _ := e.runStep(ctx, task, stepNum, *resp.Corrected)
	return &result, nil
}

// errStepSkipped signals that the human chose to skip the current step
// at a low-confidence approval; the step advances without executing.
var errStepSkipped = errors.New("step skipped by human")

func (e *Executor) runStep(ctx context.Context, task model.ParameterizedTask, stepNum int, action model.Action) (model.ExecutionResult, error) {
	substituted, err := substituteParameters(action, task.Parameters)
	if err != nil {
		// UnresolvedParameterError is fatal without a learning: the plan
		// itself is malformed, not the knowledge that produced it.
		return model.ExecutionResult{StepNum: stepNum, Action: action, Success: false, Error: err.Error()}, err
	}

	resolved, err := e.resolveSymbolicReferences(ctx, stepNum, substituted)
	if err != nil {
		if errors.Is(err, errStepSkipped) {
			return model.ExecutionResult{StepNum: stepNum, Action: substituted, Success: true, Content: "step skipped by human"}, nil
		}
		return e.handleFailure(ctx, task, stepNum, substituted, err.Error(), err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	toolResult, err := e.tools.Call(callCtx, resolved.ToolName, resolved.ToolArguments)
	if err != nil {
		toolErr := apperr.NewToolError("calling %q: %w", resolved.ToolName, err)
		return e.handleFailure(ctx, task, stepNum, resolved, toolErr.Error(), toolErr)
	}

	if resolved.ToolName == StateToolName {
		e.stateCache = toolResult.Content
		e.stateCacheValid = true
	} else {
		e.stateCacheValid = false
	}

	if !classifySuccess(toolResult) {
		errMsg := toolResult.Error
		if errMsg == "" {
			errMsg = toolResult.Content
		}
		return e.handleFailure(ctx, task, stepNum, resolved, errMsg,
			apperr.NewToolError("step %d failed: %s", stepNum, errMsg))
	}

	return model.ExecutionResult{
		StepNum: stepNum,
		Action:  resolved,
		Success: true,
		Content: toolResult.Content,
	}, nil
}

// classifySuccess reports success only if the tool's own success flag is
// true and no failure-like substring appears in the content.
func classifySuccess(result model.ToolResult) bool {
	if !result.Success {
		return false
	}
	lower := strings.ToLower(result.Content)
	for _, word := range heuristicFailureWords {
		if strings.Contains(lower, word) {
			return false
		}
	}
	return true
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// substituteParameters textually replaces every "{name}" occurrence in
// string-valued tool_arguments with the task parameter of that name.
func substituteParameters(action model.Action, parameters map[string]string) (model.Action, error) {
	out := action
	out.ToolArguments = make(map[string]any, len(action.ToolArguments))

	for k, v := range action.ToolArguments {
		s, ok := v.(string)
		if !ok {
			out.ToolArguments[k] = v
			continue
		}

		var missing string
		substituted := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			value, ok := parameters[name]
			if !ok {
				missing = name
				return match
			}
			return value
		})
		if missing != "" {
			return action, apperr.NewUnresolvedParameterError("plan uses {%s} but task parameters lack it", missing)
		}
		out.ToolArguments[k] = substituted
	}
	return out, nil
}

// resolveSymbolicReferences resolves every "last_state:<kind>:<name>"
// argument value against the live state, using the LLM resolver and
// gating on confidence when the Human Observer is enabled.
func (e *Executor) resolveSymbolicReferences(ctx context.Context, stepNum int, action model.Action) (model.Action, error) {
	needsState := false
	for _, v := range action.ToolArguments {
		if s, ok := v.(string); ok && model.IsSymbolicReference(s) {
			needsState = true
			break
		}
	}
	if !needsState {
		return action, nil
	}

	if !e.stateCacheValid {
		state, err := e.tools.Call(ctx, StateToolName, nil)
		if err != nil {
			return action, apperr.NewSymbolResolutionError("capturing live state: %w", err)
		}
		e.stateCache = state.Content
		e.stateCacheValid = true
	}

	out := action
	out.ToolArguments = make(map[string]any, len(action.ToolArguments))

	for k, v := range action.ToolArguments {
		s, ok := v.(string)
		if !ok || !model.IsSymbolicReference(s) {
			out.ToolArguments[k] = v
			continue
		}

		kind, name, ok := model.ParseSymbolicReference(s)
		if !ok {
			return action, apperr.NewSymbolResolutionError("malformed symbolic reference %q", s)
		}

		result, err := e.resolver.Resolve(ctx, kind, name, e.stateCache)
		if err != nil {
			return action, apperr.NewSymbolResolutionError("resolving %q: %w", s, err)
		}

		target := result.Target
		if result.Confidence < ApprovalConfidenceThreshold && e.observer != nil && e.observer.Enabled() {
			resp, err := e.observer.RequestApproval(ctx, model.ApprovalRequest{
				Action:     action,
				Confidence: result.Confidence,
				StepNum:    stepNum,
			})
			if err != nil {
				return action, apperr.NewObserverTimeoutError("requesting approval at step %d: %w", stepNum, err)
			}
			switch resp.Decision {
			case model.ApprovalCorrect:
				if resp.Corrected == nil {
					return action, apperr.NewSymbolResolutionError("correction requested but no corrected action supplied")
				}
				return *resp.Corrected, nil
			case model.ApprovalSkip:
				return action, errStepSkipped
			}
			// ApprovalApprove falls through and uses the proposed target.
		}

		out.ToolArguments[k] = target
	}
	return out, nil
}

// handleFailure builds a FailureLearning, attaches it if the action has
// a kb_source, decays trust, and returns a failure ExecutionResult with
// the error that stops the run. The orchestrator never retries past it.
func (e *Executor) handleFailure(ctx context.Context, task model.ParameterizedTask, stepNum int, action model.Action, errMsg string, cause error) (model.ExecutionResult, error) {
	learning := model.FailureLearning{
		Task:           task.Canonical(),
		StepNum:        stepNum,
		OriginalAction: action,
		OriginalError:  errMsg,
		Timestamp:      time.Now().UTC(),
	}

	if action.KBSource == "" {
		slog.WarnContext(ctx, "executor: step failed with no kb_source, no learning attached",
			"step_num", stepNum, "error", errMsg)
	} else if err := e.attachLearning(ctx, action.KBSource, learning); err != nil {
		var ae *apperr.Error
		if isKind(err, apperr.KindUnknownKnowledgeID, &ae) {
			slog.WarnContext(ctx, "executor: kb_source not found in catalog, no learning attached",
				"kb_source", action.KBSource)
		} else {
			return model.ExecutionResult{StepNum: stepNum, Action: action, Success: false, Error: errMsg},
				apperr.NewCatalogIOError("attaching learning to %q: %w", action.KBSource, err)
		}
	}

	result := model.ExecutionResult{StepNum: stepNum, Action: action, Success: false, Error: errMsg}
	return result, cause
}

// attachLearning appends a FailureLearning to the named catalog item,
// decays its trust score, persists the catalog, then re-syncs vector
// metadata. The catalog write is always ordered before the vector
// re-sync so the index never reflects state the catalog does not.
func (e *Executor) attachLearning(ctx context.Context, knowledgeID string, learning model.FailureLearning) error {
	item, err := e.catalog.Get(ctx, knowledgeID)
	if err != nil {
		return err
	}

	item.KBLearnings = append(item.KBLearnings, learning)
	item.TrustScore = model.DecayTrust(item.TrustScore)

	if err := e.catalog.Update(ctx, item); err != nil {
		return err
	}
	return e.retriever.UpdateVectorMetadata(ctx, knowledgeID)
}

func isKind(err error, kind apperr.Kind, target **apperr.Error) bool {
	ae, ok := err.(*apperr.Error)
	if !ok {
		return false
	}
	*target = ae
	return ae.Kind == kind
}
