package observer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"deskpilot.app/agent/core/config"
	"deskpilot.app/agent/internal/model"
)

func newTestObserver(t *testing.T, input string) (*Observer, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	cfg := config.HITLConfig{
		Enabled:             true,
		ApprovalTimeout:     time.Second,
		VerificationTimeout: time.Second,
	}
	return New(cfg, strings.NewReader(input), out, nil), out
}

func TestRequestApprovalApprove(t *testing.T) {
	o, _ := newTestObserver(t, "approve\n")
	resp, err := o.RequestApproval(context.Background(), model.ApprovalRequest{Confidence: 0.3})
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if resp.Decision != model.ApprovalApprove {
		t.Errorf("Decision = %v, want approve", resp.Decision)
	}
}

func TestRequestApprovalCorrect(t *testing.T) {
	o, _ := newTestObserver(t, `correct Click-Tool={"x":"200,200"}`+"\n")
	resp, err := o.RequestApproval(context.Background(), model.ApprovalRequest{Confidence: 0.3})
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if resp.Decision != model.ApprovalCorrect || resp.Corrected == nil {
		t.Fatalf("expected correction, got %+v", resp)
	}
	if resp.Corrected.ToolName != "Click-Tool" || resp.Corrected.ToolArguments["x"] != "200,200" {
		t.Errorf("corrected action = %+v, want Click-Tool with x=200,200", resp.Corrected)
	}
}

func TestRequestApprovalSkip(t *testing.T) {
	o, _ := newTestObserver(t, "skip\n")
	resp, err := o.RequestApproval(context.Background(), model.ApprovalRequest{})
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if resp.Decision != model.ApprovalSkip {
		t.Errorf("Decision = %v, want skip", resp.Decision)
	}
}

func TestRequestApprovalTimeoutDefaultsToApprove(t *testing.T) {
	out := &bytes.Buffer{}
	cfg := config.HITLConfig{Enabled: true, ApprovalTimeout: 10 * time.Millisecond, VerificationTimeout: time.Second}
	// An open stream with no input, so the timeout fires rather than EOF.
	in, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	o := New(cfg, in, out, nil)

	resp, err := o.RequestApproval(context.Background(), model.ApprovalRequest{})
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if resp.Decision != model.ApprovalApprove {
		t.Errorf("Decision = %v, want approve (timeout default)", resp.Decision)
	}
}

func TestVerifyRunSuccessWithSaveAndTags(t *testing.T) {
	o, _ := newTestObserver(t, "success save tags:mf4,concatenate\n")
	resp, err := o.VerifyRun(context.Background(), model.ParameterizedTask{Operation: "op"}, "summary")
	if err != nil {
		t.Fatalf("VerifyRun failed: %v", err)
	}
	if resp.Outcome != model.VerificationSuccess || !resp.SaveAsSkill {
		t.Errorf("resp = %+v, want success+save", resp)
	}
	if len(resp.Tags) != 2 || resp.Tags[0] != "mf4" || resp.Tags[1] != "concatenate" {
		t.Errorf("Tags = %v, want [mf4 concatenate]", resp.Tags)
	}
}

func TestVerifyRunTimeoutAsFailureConfigurable(t *testing.T) {
	out := &bytes.Buffer{}
	cfg := config.HITLConfig{Enabled: true, ApprovalTimeout: time.Second, VerificationTimeout: 10 * time.Millisecond, TimeoutAsFailure: true}
	// An open stream with no input, so the timeout fires rather than EOF.
	in, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	o := New(cfg, in, out, nil)

	resp, err := o.VerifyRun(context.Background(), model.ParameterizedTask{Operation: "op"}, "summary")
	if err != nil {
		t.Fatalf("VerifyRun failed: %v", err)
	}
	if resp.Outcome != model.VerificationFailed {
		t.Errorf("Outcome = %v, want failed when TimeoutAsFailure is set", resp.Outcome)
	}
}

func TestFeedbackRequestedFlagAndClear(t *testing.T) {
	o, _ := newTestObserver(t, "approve\n")
	if o.FeedbackRequested() {
		t.Fatal("flag should start false")
	}
	o.feedbackRequested.Store(true)
	if !o.FeedbackRequested() {
		t.Fatal("flag should report true after Store")
	}

	if _, err := o.AwaitFeedback(context.Background(), 4, model.Action{ToolName: "Click-Tool"}); err != nil {
		t.Fatalf("AwaitFeedback failed: %v", err)
	}
	if o.FeedbackRequested() {
		t.Fatal("AwaitFeedback must clear the pending flag")
	}
}

func TestInterruptLineSetsFlagWithoutConsumingResponses(t *testing.T) {
	// The single reader routes InterruptLine to the flag and everything
	// else to the mailbox, so an esc typed ahead of a response never
	// swallows the response itself.
	o, _ := newTestObserver(t, InterruptLine+"\nskip\n")

	resp, err := o.RequestApproval(context.Background(), model.ApprovalRequest{})
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if resp.Decision != model.ApprovalSkip {
		t.Errorf("Decision = %v, want skip (esc must not be consumed as the response)", resp.Decision)
	}
	if !o.FeedbackRequested() {
		t.Error("esc line must set the feedback-requested flag")
	}
}

func TestOnlyOneRequestOutstandingAtATime(t *testing.T) {
	// RequestApproval and AwaitFeedback both take the mutex for their
	// whole synchronous round trip; a second call cannot proceed until
	// the first has consumed its response line.
	o, _ := newTestObserver(t, "approve\nskip\n")

	first, err := o.RequestApproval(context.Background(), model.ApprovalRequest{})
	if err != nil {
		t.Fatalf("first RequestApproval failed: %v", err)
	}
	second, err := o.RequestApproval(context.Background(), model.ApprovalRequest{})
	if err != nil {
		t.Fatalf("second RequestApproval failed: %v", err)
	}
	if first.Decision != model.ApprovalApprove || second.Decision != model.ApprovalSkip {
		t.Errorf("requests consumed input lines out of order: %+v, %+v", first, second)
	}
}
