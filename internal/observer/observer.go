// Package observer implements the Human Observer: a single-threaded
// cooperative channel between a background hotkey listener and the
// sequential executor. Exactly one request is outstanding at a time; the
// hotkey goroutine never mutates catalog, plan, or run-log state. It
// only flips a flag and feeds a one-element mailbox.
package observer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deskpilot.app/agent/core/config"
	"deskpilot.app/agent/internal/model"
)

// InterruptLine is the line a human types on the input stream to request
// a feedback checkpoint. A desktop build would bind this to a global
// Escape hotkey; the CLI build treats a dedicated input line as the
// equivalent trigger, read by the same background goroutine a real hook
// would run on.
const InterruptLine = "esc"

// FocusRestorer is an optional, best-effort side effect: after each
// prompt, restore foreground focus to the target application so the next
// tool action behaves correctly. A nil FocusRestorer is a valid no-op.
type FocusRestorer interface {
	RestoreFocus(ctx context.Context) error
}

// Observer implements the executor.Observer and orchestrator-facing
// contract: a hotkey-triggered feedback flag, a synchronous low-
// confidence approval rendezvous, and an end-of-run verification prompt.
type Observer struct {
	enabled             bool
	approvalTimeout     time.Duration
	verificationTimeout time.Duration
	timeoutAsFailure    bool

	in  *bufio.Reader
	out io.Writer

	focus FocusRestorer

	// mu enforces the ordering guarantee that exactly one observer
	// request is outstanding at a time. Every rendezvous method holds it
	// for its whole synchronous round trip.
	mu sync.Mutex

	feedbackRequested atomic.Bool

	// readOnce starts the single reader goroutine that owns the input
	// stream. It routes InterruptLine to the flag and every other line
	// into the mailbox, so the hotkey listener and a pending rendezvous
	// never compete for reads on the same stream.
	readOnce sync.Once
	mailbox  chan string
}

// New constructs an Observer reading prompts from in and writing prompts
// to out. A nil FocusRestorer is accepted; focus switching is then simply
// skipped, consistent with it being a best-effort side effect.
func New(cfg config.HITLConfig, in io.Reader, out io.Writer, focus FocusRestorer) *Observer {
	return &Observer{
		enabled:             cfg.Enabled,
		approvalTimeout:     cfg.ApprovalTimeout,
		verificationTimeout: cfg.VerificationTimeout,
		timeoutAsFailure:    cfg.TimeoutAsFailure,
		in:                  bufio.NewReader(in),
		out:                 out,
		focus:               focus,
		mailbox:             make(chan string, 1),
	}
}

func (o *Observer) Enabled() bool {
	return o != nil && o.enabled
}

// ListenForInterrupts runs the background hotkey-listener equivalent: a
// single goroutine owning the input stream, setting the feedback flag on
// InterruptLine and feeding every other line into the one-element mailbox
// a pending rendezvous consumes, until ctx is done or the stream closes.
// It never touches anything else: no catalog, plan, or run-log access.
func (o *Observer) ListenForInterrupts(ctx context.Context) {
	if !o.Enabled() {
		return
	}
	o.startReader()
	<-ctx.Done()
}

// startReader launches the reader loop exactly once; the rendezvous
// methods call it too so direct use without ListenForInterrupts (tests,
// non-hotkey builds) still receives its input lines.
func (o *Observer) startReader() {
	o.readOnce.Do(func() {
		go func() {
			defer close(o.mailbox)
			for {
				line, err := o.in.ReadString('\n')
				trimmed := strings.TrimSpace(line)
				if strings.EqualFold(trimmed, InterruptLine) {
					o.feedbackRequested.Store(true)
				} else if trimmed != "" {
					o.mailbox <- trimmed
				}
				if err != nil {
					return
				}
			}
		}()
	})
}

// FeedbackRequested reports whether the hotkey listener has flagged a
// pending feedback request. The executor polls this at its checkpoints
// (between steps, or right after a step's result).
func (o *Observer) FeedbackRequested() bool {
	return o.feedbackRequested.Load()
}

// AwaitFeedback clears the pending flag and performs the synchronous
// feedback rendezvous tied to the step the executor has just run.
func (o *Observer) AwaitFeedback(ctx context.Context, stepNum int, action model.Action) (model.ApprovalResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feedbackRequested.Store(false)

	fmt.Fprintf(o.out, "\n[feedback requested] step %d has just run:\n  %s(%v)\n"+
		"approve / correct <tool>=<json args> / skip > ", stepNum, action.ToolName, action.ToolArguments)

	resp, err := o.readApprovalWithTimeout(ctx, o.approvalTimeout)
	o.restoreFocus(ctx)
	return resp, err
}

// RequestApproval performs the low-confidence approval rendezvous: a
// synchronous prompt with the proposed action, confidence, and step
// number, blocking until a response arrives or the soft timeout defaults
// to approve.
func (o *Observer) RequestApproval(ctx context.Context, req model.ApprovalRequest) (model.ApprovalResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprintf(o.out, "\n[low confidence: %.2f] step %d proposes:\n  %s(%v)\n"+
		"approve / correct <tool>=<json args> / skip > ", req.Confidence, req.StepNum, req.Action.ToolName, req.Action.ToolArguments)

	resp, err := o.readApprovalWithTimeout(ctx, o.approvalTimeout)
	o.restoreFocus(ctx)
	return resp, err
}

// readApprovalWithTimeout blocks on the next mailbox line. A timeout or
// a closed input stream defaults to approve; approvals never fail the
// run on an absent human.
func (o *Observer) readApprovalWithTimeout(ctx context.Context, timeout time.Duration) (model.ApprovalResponse, error) {
	o.startReader()

	select {
	case <-ctx.Done():
		return model.ApprovalResponse{}, ctx.Err()
	case <-time.After(timeout):
		slog.WarnContext(ctx, "observer: approval timed out, defaulting to approve")
		return model.ApprovalResponse{Decision: model.ApprovalApprove}, nil
	case line, ok := <-o.mailbox:
		if !ok {
			return model.ApprovalResponse{Decision: model.ApprovalApprove}, nil
		}
		return parseApprovalLine(line), nil
	}
}

func parseApprovalLine(line string) model.ApprovalResponse {
	switch {
	case strings.EqualFold(line, "skip"):
		return model.ApprovalResponse{Decision: model.ApprovalSkip}
	case strings.HasPrefix(strings.ToLower(line), "correct"):
		corrected := parseCorrectedAction(strings.TrimSpace(line[len("correct"):]))
		return model.ApprovalResponse{Decision: model.ApprovalCorrect, Corrected: &corrected}
	default:
		return model.ApprovalResponse{Decision: model.ApprovalApprove}
	}
}

// parseCorrectedAction parses "<tool>=<json args>" into a corrected
// Action. A malformed correction falls back to an empty-argument action
// on the named tool rather than failing the whole rendezvous.
func parseCorrectedAction(spec string) model.Action {
	toolName, argsJSON, found := strings.Cut(spec, "=")
	toolName = strings.TrimSpace(toolName)
	if !found {
		return model.Action{ToolName: toolName}
	}
	args := map[string]any{}
	_ = json.Unmarshal([]byte(argsJSON), &args)
	return model.Action{ToolName: toolName, ToolArguments: args}
}

func (o *Observer) restoreFocus(ctx context.Context) {
	if o.focus == nil {
		return
	}
	if err := o.focus.RestoreFocus(ctx); err != nil {
		slog.WarnContext(ctx, "observer: restoring focus failed", "error", err)
	}
}

// VerifyRun performs the end-of-run verification prompt: (task, execution
// summary) in, {success, partial, failed} plus optional reason and
// save-as-skill flag and tags out.
func (o *Observer) VerifyRun(ctx context.Context, task model.ParameterizedTask, summary string) (model.VerificationResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fmt.Fprintf(o.out, "\n[verify] task %q finished:\n%s\n"+
		"success|partial|failed [reason] [save] [tags:a,b] > ", task.Canonical(), summary)

	resp, err := o.readVerificationWithTimeout(ctx)
	o.restoreFocus(ctx)
	return resp, err
}

func (o *Observer) readVerificationWithTimeout(ctx context.Context) (model.VerificationResponse, error) {
	o.startReader()

	defaultOutcome := model.VerificationSuccess
	if o.timeoutAsFailure {
		defaultOutcome = model.VerificationFailed
	}

	select {
	case <-ctx.Done():
		return model.VerificationResponse{}, ctx.Err()
	case <-time.After(o.verificationTimeout):
		slog.WarnContext(ctx, "observer: verification timed out", "default_outcome", defaultOutcome)
		return model.VerificationResponse{Outcome: defaultOutcome, Reason: "observer timeout"}, nil
	case line, ok := <-o.mailbox:
		if !ok {
			return model.VerificationResponse{Outcome: defaultOutcome, Reason: "observer stream closed"}, nil
		}
		return parseVerificationLine(line), nil
	}
}

func parseVerificationLine(line string) model.VerificationResponse {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return model.VerificationResponse{Outcome: model.VerificationSuccess}
	}

	resp := model.VerificationResponse{}
	switch strings.ToLower(fields[0]) {
	case "partial":
		resp.Outcome = model.VerificationPartial
	case "failed":
		resp.Outcome = model.VerificationFailed
	default:
		resp.Outcome = model.VerificationSuccess
	}

	var reasonWords []string
	for _, f := range fields[1:] {
		lower := strings.ToLower(f)
		switch {
		case lower == "save":
			resp.SaveAsSkill = true
		case strings.HasPrefix(lower, "tags:"):
			resp.Tags = strings.Split(strings.TrimPrefix(f, "tags:"), ",")
		default:
			reasonWords = append(reasonWords, f)
		}
	}
	resp.Reason = strings.Join(reasonWords, " ")
	return resp
}
