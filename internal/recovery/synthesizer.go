// Package recovery implements the Recovery Synthesizer: a post-success
// LLM pass that generates recovery_approach text for learnings from a
// verified skill and folds it back into the catalog.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"deskpilot.app/agent/common/llm"
	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/catalog"
	"deskpilot.app/agent/internal/model"
	"deskpilot.app/agent/internal/retriever"
)

const systemPrompt = `You write a short, actionable recovery approach for a documented GUI
automation failure, given proof that a different sequence of actions
accomplished the same task successfully. Respond with 2-3 sentences that
tell a future planner concretely what to do instead next time this
failure occurs. Reference the working alternative's concrete tool names
or shortcuts where possible.`

type recoveryResult struct {
	RecoveryApproach string `json:"recovery_approach"`
}

var recoverySchema = llm.GenerateSchema[recoveryResult]()

// Synthesizer composes the recovery prompt and writes the result into
// exactly the learnings that prompted it.
type Synthesizer struct {
	llm       llm.Client
	catalog   catalog.Store
	retriever *retriever.Retriever
}

func New(c llm.Client, store catalog.Store, r *retriever.Retriever) *Synthesizer {
	return &Synthesizer{llm: c, catalog: store, retriever: r}
}

// FindItemsWithUnresolvedLearnings returns every catalog item carrying
// at least one learning whose recovery_approach is still empty, the
// input set the Recovery Synthesizer is invoked on.
func FindItemsWithUnresolvedLearnings(ctx context.Context, store catalog.Store) ([]model.KnowledgeItem, error) {
	all, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.KnowledgeItem
	for _, item := range all {
		for _, l := range item.KBLearnings {
			if !l.Resolved() {
				out = append(out, item)
				break
			}
		}
	}
	return out, nil
}

// Synthesize runs exactly once per successfully verified skill: for each
// catalog item with at least one empty-recovery learning, compose a
// prompt referencing the skill's action plan as proof of a working
// alternative, request a 2-3 sentence recovery_approach, and write it
// into exactly the learnings whose original_error matches within that
// item. Items with zero empty-recovery learnings are skipped without LLM
// cost. An LLM failure for one item is logged and non-fatal; the
// learning stays empty for the next successful verification to retry.
func (s *Synthesizer) Synthesize(ctx context.Context, skill model.VerifiedSkill, items []model.KnowledgeItem) error {
	for _, item := range items {
		unresolved := unresolvedLearnings(item)
		if len(unresolved) == 0 {
			continue
		}

		approach, err := s.synthesizeOne(ctx, item, unresolved, skill)
		if err != nil {
			slog.WarnContext(ctx, "recovery: synthesis failed for item, leaving recovery_approach empty",
				"knowledge_id", item.KnowledgeID, "error", err)
			continue
		}

		if err := s.applyApproach(ctx, item.KnowledgeID, unresolved, approach); err != nil {
			return err
		}
	}
	return nil
}

func unresolvedLearnings(item model.KnowledgeItem) []model.FailureLearning {
	var out []model.FailureLearning
	for _, l := range item.KBLearnings {
		if !l.Resolved() {
			out = append(out, l)
		}
	}
	return out
}

func (s *Synthesizer) synthesizeOne(ctx context.Context, item model.KnowledgeItem, unresolved []model.FailureLearning, skill model.VerifiedSkill) (string, error) {
	userPrompt := buildPrompt(item, unresolved, skill)

	var result recoveryResult
	if _, err := s.llm.Chat(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		SchemaName:   "recovery_approach",
		Schema:       recoverySchema,
		Temperature:  llm.Temp(0.3),
	}, &result); err != nil {
		return "", apperr.NewLLMError("synthesizing recovery approach: %w", err)
	}

	if strings.TrimSpace(result.RecoveryApproach) == "" {
		return "", apperr.NewLLMError("synthesizer returned empty recovery_approach")
	}
	return result.RecoveryApproach, nil
}

func buildPrompt(item model.KnowledgeItem, unresolved []model.FailureLearning, skill model.VerifiedSkill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failing item: %s\ndescription: %s\naction_sequence: %s\n\n",
		item.KnowledgeID, item.Description, strings.Join(item.ActionSequence, " -> "))

	b.WriteString("Unresolved failures:\n")
	for _, l := range unresolved {
		fmt.Fprintf(&b, "- %s\n", l.OriginalError)
	}

	b.WriteString("\nWorking alternative (verified skill for the same operation):\n")
	fmt.Fprintf(&b, "operation: %s\n", skill.TaskDescription)
	for i, a := range skill.ActionPlan {
		argsJSON, _ := json.Marshal(a.ToolArguments)
		fmt.Fprintf(&b, "  %d. %s(%s): %s\n", i, a.ToolName, string(argsJSON), a.Reasoning)
	}
	return b.String()
}

// applyApproach reloads the item fresh from the catalog (in case it
// changed since Synthesize's input snapshot), writes approach into every
// learning matching one of the unresolved originals by original_error,
// persists the catalog, and re-syncs vector metadata.
func (s *Synthesizer) applyApproach(ctx context.Context, knowledgeID string, unresolved []model.FailureLearning, approach string) error {
	item, err := s.catalog.Get(ctx, knowledgeID)
	if err != nil {
		var ae *apperr.Error
		if isUnknownID(err, &ae) {
			// Item was removed from the catalog between snapshot and
			// synthesis; nothing left to update.
			return nil
		}
		return err
	}

	targets := make(map[string]struct{}, len(unresolved))
	for _, l := range unresolved {
		targets[l.OriginalError] = struct{}{}
	}

	changed := false
	for i, l := range item.KBLearnings {
		if l.Resolved() {
			continue
		}
		if _, ok := targets[l.OriginalError]; !ok {
			continue
		}
		item.KBLearnings[i].RecoveryApproach = approach
		changed = true
	}
	if !changed {
		return nil
	}

	if err := s.catalog.Update(ctx, item); err != nil {
		return err
	}
	return s.retriever.UpdateVectorMetadata(ctx, knowledgeID)
}

func isUnknownID(err error, target **apperr.Error) bool {
	ae, ok := err.(*apperr.Error)
	if !ok {
		return false
	}
	*target = ae
	return ae.Kind == apperr.KindUnknownKnowledgeID
}
