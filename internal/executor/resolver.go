package executor

import (
	"context"
	"fmt"

	"deskpilot.app/agent/common/llm"
	"deskpilot.app/agent/internal/model"
)

// llmResolverSystemPrompt instructs the model to resolve one symbolic
// reference against the live state snapshot the State-Tool returned.
const llmResolverSystemPrompt = `You resolve a symbolic UI reference against a snapshot of the
application's current state. Given a reference kind (such as "button" or
"field"), a reference name, and a text description of everything visible
on screen, return the concrete coordinate, handle, or identifier the
reference points to, plus your confidence in that answer from 0 to 1.

If the named element does not clearly appear in the state snapshot,
return your best guess with a low confidence rather than refusing to
answer.`

// LLMResolver resolves last_state:<kind>:<name> references with a
// single-shot, schema-constrained chat completion, the same pattern
// common/llm/client.go's Chat method was built for.
type LLMResolver struct {
	llm llm.Client
}

// NewLLMResolver constructs a Resolver backed by the given LLM client.
func NewLLMResolver(c llm.Client) *LLMResolver {
	return &LLMResolver{llm: c}
}

var resolverSchema = llm.GenerateSchema[model.ResolverResult]()

func (r *LLMResolver) Resolve(ctx context.Context, kind, name string, state string) (model.ResolverResult, error) {
	userPrompt := fmt.Sprintf(
		"Reference kind: %s\nReference name: %s\n\nCurrent application state:\n%s",
		kind, name, state,
	)

	var result model.ResolverResult
	_, err := r.llm.Chat(ctx, llm.Request{
		SystemPrompt: llmResolverSystemPrompt,
		UserPrompt:   userPrompt,
		SchemaName:   "symbolic_reference_resolution",
		Schema:       resolverSchema,
		Temperature:  llm.Temp(0),
	}, &result)
	if err != nil {
		return model.ResolverResult{}, fmt.Errorf("resolving %s:%s: %w", kind, name, err)
	}

	return result, nil
}
