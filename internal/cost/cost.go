// Package cost implements the thin cost_reports/<run_id>.json artifact
// written once per run during finalize: a per-call token tally, not a
// cost-control system.
package cost

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"deskpilot.app/agent/common/llm"
	"deskpilot.app/agent/internal/apperr"
)

// Call records one LLM call's token usage against the phase that made it.
type Call struct {
	Phase            string `json:"phase"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Recorder accumulates Calls for a single run and writes them as one
// report on finalize.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one LLM call's usage. Safe for concurrent use, though
// the orchestrator's single-threaded execution path never calls it
// concurrently in practice.
func (r *Recorder) Record(phase, model string, promptTokens, completionTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Phase: phase, Model: model, PromptTokens: promptTokens, CompletionTokens: completionTokens})
}

type report struct {
	RunID            int64  `json:"run_id"`
	Calls            []Call `json:"calls"`
	TotalPromptToks  int    `json:"total_prompt_tokens"`
	TotalCompleteTok int    `json:"total_completion_tokens"`
}

// WriteReport persists the accumulated calls to dir/<runID>.json.
func (r *Recorder) WriteReport(dir string, runID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.NewCatalogIOError("creating cost reports dir: %w", err)
	}

	rep := report{RunID: runID, Calls: r.calls}
	for _, c := range r.calls {
		rep.TotalPromptToks += c.PromptTokens
		rep.TotalCompleteTok += c.CompletionTokens
	}

	content, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return apperr.NewCatalogIOError("marshal cost report: %w", err)
	}
	path := filepath.Join(dir, strconv.FormatInt(runID, 10)+".json")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return apperr.NewCatalogIOError("writing cost report: %w", err)
	}
	return nil
}

// PhaseClient wraps an llm.Client so every call it makes is recorded
// against a fixed phase name, letting the Planner, the resolver, and the
// Recovery Synthesizer each get their own labeled client without passing
// a Recorder and phase string through every call site.
type PhaseClient struct {
	llm.Client
	recorder *Recorder
	phase    string
}

// Wrap returns a PhaseClient recording every Chat call under phase.
func Wrap(c llm.Client, recorder *Recorder, phase string) *PhaseClient {
	return &PhaseClient{Client: c, recorder: recorder, phase: phase}
}

func (p *PhaseClient) Chat(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
	resp, err := p.Client.Chat(ctx, req, result)
	if err == nil && resp != nil {
		p.recorder.Record(p.phase, p.Client.Model(), resp.PromptTokens, resp.CompletionTokens)
	}
	return resp, err
}
