// Package runlog implements the per-run execution trail: a JSONL file
// recording each ExecutionResult as the Adaptive Executor produces it,
// independent of the plan-audit markdown and plan JSON the Planner
// already writes.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/model"
)

// Writer appends ExecutionResults to runs/<run_id>.jsonl, one JSON object
// per line, opened in append mode for the lifetime of a run.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (creating if needed) <runID>.jsonl directly under dir, which
// the caller points at the runs/ directory.
func New(dir string, runID int64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.NewCatalogIOError("creating run log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.jsonl", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperr.NewCatalogIOError("opening run log: %w", err)
	}
	return &Writer{file: f}, nil
}

// Append implements executor.RunLog: one line per ExecutionResult.
func (w *Writer) Append(ctx context.Context, result model.ExecutionResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("runlog: marshal: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return apperr.NewCatalogIOError("runlog: write: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
