// Package toolclient implements the request/response channel to the
// GUI-automation tool server: a long-lived subprocess speaking
// line-delimited JSON over stdio, with tool discovery and synchronous
// calls. Only transport-level errors on idempotent calls are retried;
// application-level failures pass through for the executor to classify,
// and a mutating tool call is never re-sent once written, since the
// server may have executed it before the response was lost.
package toolclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/model"
)

// Client is the Tool Client's contract: tool discovery and synchronous
// call, both over a request/response transport to a single subprocess.
type Client interface {
	ListTools(ctx context.Context) ([]model.ToolDescriptor, error)
	Call(ctx context.Context, toolName string, arguments map[string]any) (model.ToolResult, error)
	Close() error
}

type request struct {
	ID        int64          `json:"id"`
	Method    string         `json:"method"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type response struct {
	ID     int64             `json:"id"`
	Tools  []model.ToolDescriptor `json:"tools,omitempty"`
	Result *model.ToolResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// SubprocessClient speaks line-delimited JSON RPC to a long-lived
// subprocess over stdin/stdout.
type SubprocessClient struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	nextID  int64

	maxRetries int
	retryWait  time.Duration
}

// Dial starts the tool server subprocess and returns a connected client.
func Dial(ctx context.Context, command []string) (*SubprocessClient, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("toolclient: empty command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("toolclient: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("toolclient: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("toolclient: starting tool server: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	return &SubprocessClient{
		cmd:        cmd,
		stdin:      stdin,
		scanner:    scanner,
		maxRetries: 2,
		retryWait:  200 * time.Millisecond,
	}, nil
}

// idempotentTools names the tool calls safe to re-send after a lost
// response: calls that only read state. Every other tool may have acted
// on the UI before the transport failed, so retrying could repeat the
// action.
var idempotentTools = map[string]struct{}{
	"State-Tool": {},
}

func isIdempotent(toolName string) bool {
	_, ok := idempotentTools[toolName]
	return ok
}

func (c *SubprocessClient) roundTrip(ctx context.Context, req request, maxRetries int) (response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.roundTripOnce(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt >= maxRetries {
			break
		}
		slog.WarnContext(ctx, "tool client transport error, retrying",
			"attempt", attempt, "method", req.Method, "error", err)

		select {
		case <-ctx.Done():
			return response{}, ctx.Err()
		case <-time.After(c.retryWait):
		}
	}
	return response{}, apperr.NewToolError("transport failed after %d attempt(s): %w", maxRetries+1, lastErr)
}

func (c *SubprocessClient) roundTripOnce(req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req.ID = c.nextID

	encoded, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.stdin.Write(append(encoded, '\n')); err != nil {
		return response{}, fmt.Errorf("write request: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return response{}, fmt.Errorf("read response: %w", err)
		}
		return response{}, fmt.Errorf("tool server closed the connection")
	}

	var resp response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != req.ID {
		return response{}, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	return resp, nil
}

// ListTools enumerates available tools and their JSON schemas. Discovery
// is read-only, so transport errors always retry.
func (c *SubprocessClient) ListTools(ctx context.Context) ([]model.ToolDescriptor, error) {
	resp, err := c.roundTrip(ctx, request{Method: "list_tools"}, c.maxRetries)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, apperr.NewToolError("list_tools: %s", resp.Error)
	}
	return resp.Tools, nil
}

// Call invokes a tool synchronously. Transport-level errors (connection
// failure, malformed response) are retried only for idempotent tools: a
// mutating call whose response was lost may already have executed
// server-side, and re-sending it would repeat the action. An
// application-level failure (tool server returns success=false) is
// returned as a successfully-decoded ToolResult, not an error; the
// caller (Adaptive Executor) is responsible for classifying it.
func (c *SubprocessClient) Call(ctx context.Context, toolName string, arguments map[string]any) (model.ToolResult, error) {
	retries := 0
	if isIdempotent(toolName) {
		retries = c.maxRetries
	}
	resp, err := c.roundTrip(ctx, request{
		Method:    "call",
		ToolName:  toolName,
		Arguments: arguments,
	}, retries)
	if err != nil {
		return model.ToolResult{}, err
	}
	if resp.Error != "" {
		return model.ToolResult{}, apperr.NewToolError("call %q: %s", toolName, resp.Error)
	}
	if resp.Result == nil {
		return model.ToolResult{}, apperr.NewToolError("call %q: empty result", toolName)
	}
	return *resp.Result, nil
}

// Close terminates the subprocess and releases its pipes.
func (c *SubprocessClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stdin.Close(); err != nil {
		slog.Warn("toolclient: closing stdin", "error", err)
	}
	return c.cmd.Wait()
}
