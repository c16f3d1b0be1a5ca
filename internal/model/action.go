package model

import (
	"sort"
	"strings"
)

// Action is a single unit of a Plan: one GUI tool call.
type Action struct {
	ToolName      string         `json:"tool_name"`
	ToolArguments map[string]any `json:"tool_arguments"`
	Reasoning     string         `json:"reasoning"`
	KBSource      string         `json:"kb_source,omitempty"`
}

// SymbolicReferencePrefix marks an argument value that must be resolved
// against live UI state at execute time: "last_state:<kind>:<name>".
const SymbolicReferencePrefix = "last_state:"

// IsSymbolicReference reports whether a string value is a symbolic
// reference rather than a literal or a parameter placeholder.
func IsSymbolicReference(v string) bool {
	return strings.HasPrefix(v, SymbolicReferencePrefix)
}

// ParseSymbolicReference splits "last_state:<kind>:<name>" into its kind
// and name. ok is false if v is not a well-formed symbolic reference.
func ParseSymbolicReference(v string) (kind, name string, ok bool) {
	if !IsSymbolicReference(v) {
		return "", "", false
	}
	rest := strings.TrimPrefix(v, SymbolicReferencePrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// HasUnresolvedSymbolicReference reports whether any string-valued
// argument in the action still contains a "last_state:" reference.
// Persisted VerifiedSkills must never carry one.
func (a Action) HasUnresolvedSymbolicReference() bool {
	for _, v := range a.ToolArguments {
		if s, ok := v.(string); ok && strings.Contains(s, SymbolicReferencePrefix) {
			return true
		}
	}
	return false
}

// Plan is an ordered sequence of Actions produced by the Planner or
// matched from the Skill Library.
type Plan struct {
	Actions           []Action `json:"plan"`
	Reasoning         string   `json:"reasoning"`
	EstimatedDuration string   `json:"estimated_duration"`
}

// ParameterizedTask is an operation string plus the parameters plans
// reference by "{name}" placeholders.
type ParameterizedTask struct {
	Operation  string            `json:"operation"`
	Parameters map[string]string `json:"parameters"`
}

// Canonical renders the internal canonical form used for prompts and
// persistence: "<operation> (Parameters: k1=v1, k2=v2, ...)".
func (t ParameterizedTask) Canonical() string {
	if len(t.Parameters) == 0 {
		return t.Operation
	}
	keys := sortedKeys(t.Parameters)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+t.Parameters[k])
	}
	return t.Operation + " (Parameters: " + strings.Join(parts, ", ") + ")"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic ordering keeps the canonical string and therefore
	// every persisted artifact stable across runs with the same input.
	sort.Strings(keys)
	return keys
}

// ExecutionResult is the outcome of executing a single Action.
type ExecutionResult struct {
	StepNum   int    `json:"step_num"`
	Action    Action `json:"action"`
	Success   bool   `json:"success"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}
