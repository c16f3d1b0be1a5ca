// Package planner builds the system and user prompts (including
// learning-formatted knowledge and dynamically enriched related docs),
// calls the LLM, and validates the resulting Plan against the tool list
// and the retrieved knowledge set before it ever reaches the executor.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deskpilot.app/agent/common"
	"deskpilot.app/agent/common/llm"
	"deskpilot.app/agent/common/logger"
	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/model"
)

// ToolLister is the subset of the Tool Client the Planner depends on:
// tool discovery, to format schemas into the system prompt and to
// validate that every Action's tool_name is real.
type ToolLister interface {
	ListTools(ctx context.Context) ([]model.ToolDescriptor, error)
}

// RelatedRetriever is the subset of the Knowledge Retriever used for
// dynamic related-doc enrichment: a secondary semantic query per
// learning, issued fresh on every planning call and never persisted.
type RelatedRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]model.KnowledgeItem, error)
}

// Planner generates a Plan for a ParameterizedTask from a retrieved set
// of KnowledgeItems, an optional rerun context, and the optional latest
// live state.
type Planner struct {
	llm        llm.Client
	tools      ToolLister
	related    RelatedRetriever
	plansDir   string
	promptsDir string
}

func New(c llm.Client, tools ToolLister, related RelatedRetriever, plansDir, promptsDir string) *Planner {
	return &Planner{llm: c, tools: tools, related: related, plansDir: plansDir, promptsDir: promptsDir}
}

var planSchema = llm.GenerateSchema[model.Plan]()

// GeneratePlan enumerates tools, builds prompts, calls the LLM,
// validates the schema, and persists the prompt pair and the plan JSON
// for this rerun.
func (p *Planner) GeneratePlan(
	ctx context.Context,
	task model.ParameterizedTask,
	availableKnowledge []model.KnowledgeItem,
	rerun int,
	rerunContext string,
	latestState string,
) (model.Plan, error) {
	tools, err := p.tools.ListTools(ctx)
	if err != nil {
		return model.Plan{}, apperr.NewLLMError("listing tools: %w", err)
	}

	systemPrompt := buildSystemPrompt(tools)
	userPrompt := p.buildUserPrompt(ctx, task, availableKnowledge, rerunContext, latestState)
	slog.DebugContext(ctx, "planner: prompts built",
		"rerun", rerun, "user_prompt", logger.Truncate(userPrompt, 2000))

	var plan model.Plan
	if _, err := p.llm.Chat(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		SchemaName:   "gui_automation_plan",
		Schema:       planSchema,
		Temperature:  llm.Temp(0.2),
	}, &plan); err != nil {
		return model.Plan{}, apperr.NewLLMError("generating plan: %w", err)
	}

	if err := validatePlan(plan, tools, availableKnowledge); err != nil {
		return model.Plan{}, err
	}

	slug, err := common.Slugify(task.Operation, "task")
	if err != nil {
		return model.Plan{}, apperr.NewPlanSchemaError("slugifying operation: %w", err)
	}

	if err := p.persistAudit(slug, rerun, systemPrompt, userPrompt); err != nil {
		return model.Plan{}, err
	}
	if err := p.persistPlan(slug, rerun, plan); err != nil {
		return model.Plan{}, err
	}

	return plan, nil
}

// buildSystemPrompt states the tool list, the State-Tool-first contract,
// the symbolic reference and parameter placeholder syntax, and the
// learning-prioritization rule.
func buildSystemPrompt(tools []model.ToolDescriptor) string {
	var b strings.Builder
	b.WriteString("You are the planning module of a desktop GUI-automation agent.\n")
	b.WriteString("You produce a Plan: an ordered sequence of tool calls that accomplishes the user's task.\n\n")

	b.WriteString("Available tools:\n")
	for _, t := range tools {
		schemaJSON, _ := json.Marshal(t.Schema)
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, string(schemaJSON))
	}

	b.WriteString("\nRules:\n")
	b.WriteString("1. Before any UI interaction that depends on the current screen, call State-Tool first.\n")
	b.WriteString("2. A tool_argument value of the form \"last_state:<kind>:<name>\" is a symbolic reference, " +
		"resolved against the live state captured by State-Tool at execute time. Use it whenever an action " +
		"targets something whose exact coordinate or handle you cannot know in advance.\n")
	b.WriteString("3. A tool_argument value containing \"{name}\" is a parameter placeholder, substituted " +
		"with the task's parameter of that name at execute time. Never invent a placeholder name the task " +
		"does not define.\n")
	b.WriteString("4. Learning-prioritization rule: if any learning attached to a knowledge item contradicts " +
		"that item's documented action sequence, the learning wins, regardless of how many other documents " +
		"recommend the documented action.\n")
	b.WriteString("5. Every action's kb_source, if set, must be the knowledge_id of one of the knowledge " +
		"items given to you below. Never invent a knowledge_id.\n")

	return b.String()
}

// buildUserPrompt builds the user prompt from the decomposed task and a
// formatted block of KnowledgeItems.
func (p *Planner) buildUserPrompt(
	ctx context.Context,
	task model.ParameterizedTask,
	items []model.KnowledgeItem,
	rerunContext string,
	latestState string,
) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task operation: %s\n", task.Operation)
	if len(task.Parameters) > 0 {
		b.WriteString("Task parameters:\n")
		keys := make([]string, 0, len(task.Parameters))
		for k := range task.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s={%s} -> %s\n", k, k, task.Parameters[k])
		}
	}
	if rerunContext != "" {
		fmt.Fprintf(&b, "\nRerun context:\n%s\n", rerunContext)
	}
	if latestState != "" {
		fmt.Fprintf(&b, "\nLatest captured state:\n%s\n", latestState)
	}

	b.WriteString("\nKnowledge items:\n")
	for _, item := range items {
		b.WriteString(p.formatKnowledgeItem(ctx, item, items))
	}

	return b.String()
}

func (p *Planner) formatKnowledgeItem(ctx context.Context, item model.KnowledgeItem, retrieved []model.KnowledgeItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n- id: %s\n  description: %s\n", item.KnowledgeID, item.Description)
	if len(item.ActionSequence) > 0 {
		fmt.Fprintf(&b, "  action_sequence: %s\n", strings.Join(item.ActionSequence, " -> "))
	}
	if item.Shortcut != "" {
		fmt.Fprintf(&b, "  shortcut: %s\n", item.Shortcut)
	}

	if !item.HasLearnings() {
		return b.String()
	}

	fmt.Fprintf(&b, "  CAUTION: trust_score=%.2f, this item has %d prior failure(s) logged.\n",
		item.TrustScore, len(item.KBLearnings))

	for _, learning := range item.KBLearnings {
		fmt.Fprintf(&b, "  - failed action: %s\n", describeAction(learning.OriginalAction))
		fmt.Fprintf(&b, "    error: %s\n", learning.OriginalError)
		recovery := learning.RecoveryApproach
		if recovery == "" {
			recovery = "not yet resolved"
		}
		fmt.Fprintf(&b, "    recovery approach: %s\n", recovery)

		related := p.relatedDocsFor(ctx, learning, item.KnowledgeID, retrieved)
		if len(related) == 0 {
			continue
		}
		b.WriteString("    related alternatives:\n")
		for _, rel := range related {
			fmt.Fprintf(&b, "      - id: %s, description: %s, shortcut: %s, action_sequence: %s\n",
				rel.KnowledgeID, rel.Description, rel.Shortcut, strings.Join(rel.ActionSequence, " -> "))
		}
	}

	return b.String()
}

// relatedDocsFor issues the dynamic related-doc enrichment retrieval for
// one learning: query = reasoning(original_action) + original_error +
// "alternative solution workaround", top-3 items excluding the current
// one. Recomputed on every call; never persisted with the learning.
func (p *Planner) relatedDocsFor(ctx context.Context, learning model.FailureLearning, excludeID string, retrieved []model.KnowledgeItem) []model.KnowledgeItem {
	if p.related == nil {
		return nil
	}
	query := learning.OriginalAction.Reasoning + " " + learning.OriginalError + " alternative solution workaround"
	items, err := p.related.Retrieve(ctx, query, 4)
	if err != nil {
		return nil
	}
	out := make([]model.KnowledgeItem, 0, 3)
	for _, item := range items {
		if item.KnowledgeID == excludeID {
			continue
		}
		out = append(out, item)
		if len(out) == 3 {
			break
		}
	}
	return out
}

func describeAction(a model.Action) string {
	argsJSON, _ := json.Marshal(a.ToolArguments)
	return fmt.Sprintf("%s(%s)", a.ToolName, string(argsJSON))
}

// validatePlan checks that every tool_name is known and that every
// kb_source, if set, matches an id in the retrieved set (the planner
// must not invent ids).
func validatePlan(plan model.Plan, tools []model.ToolDescriptor, available []model.KnowledgeItem) error {
	if len(plan.Actions) == 0 {
		return apperr.NewPlanSchemaError("plan has no actions")
	}

	toolNames := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		toolNames[t.Name] = struct{}{}
	}
	knownIDs := make(map[string]struct{}, len(available))
	for _, item := range available {
		knownIDs[item.KnowledgeID] = struct{}{}
	}

	for i, action := range plan.Actions {
		if action.ToolName == "" {
			return apperr.NewPlanSchemaError("action %d: empty tool_name", i)
		}
		if _, ok := toolNames[action.ToolName]; !ok {
			return apperr.NewPlanSchemaError("action %d: unknown tool %q", i, action.ToolName)
		}
		if action.KBSource != "" {
			if _, ok := knownIDs[action.KBSource]; !ok {
				return apperr.NewPlanSchemaError("action %d: kb_source %q not in retrieved knowledge set", i, action.KBSource)
			}
		}
	}
	return nil
}

func (p *Planner) persistAudit(slug string, rerun int, systemPrompt, userPrompt string) error {
	if p.promptsDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.promptsDir, 0o755); err != nil {
		return apperr.NewCatalogIOError("creating prompt history dir: %w", err)
	}
	ts := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(p.promptsDir, fmt.Sprintf("%s_Plan_%d_%s.md", slug, rerun, ts))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s Plan_%d\n\n## System prompt\n\n```\n%s\n```\n\n## User prompt\n\n```\n%s\n```\n",
		slug, rerun, systemPrompt, userPrompt)

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return apperr.NewCatalogIOError("writing prompt audit: %w", err)
	}
	return nil
}

func (p *Planner) persistPlan(slug string, rerun int, plan model.Plan) error {
	if p.plansDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.plansDir, 0o755); err != nil {
		return apperr.NewCatalogIOError("creating plans dir: %w", err)
	}
	path := filepath.Join(p.plansDir, fmt.Sprintf("%s_Plan_%d.json", slug, rerun))

	content, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return apperr.NewPlanSchemaError("marshal plan: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return apperr.NewCatalogIOError("writing plan file: %w", err)
	}
	return nil
}

// NextVersion scans plansDir for existing "<slug>_Plan_<n>.json" files and
// returns the next rerun number (0 if none exist yet). Each rerun is a new
// orchestrator instance with a new plan number.
func NextVersion(plansDir, slug string) (int, error) {
	pattern := filepath.Join(plansDir, slug+"_Plan_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, apperr.NewCatalogIOError("globbing plan files: %w", err)
	}
	return len(matches), nil
}
