// Package model holds the data types shared across the agent: the
// knowledge catalog, plans, skills, and the execution records that flow
// between them.
package model

import "time"

// KnowledgeItem is a single documented capability in the catalog: an id,
// a description, action hints, any learnings attached by prior failures,
// and a trust score that decays as learnings accumulate.
type KnowledgeItem struct {
	KnowledgeID    string            `json:"knowledge_id"`
	Description    string            `json:"description"`
	UILocation     string            `json:"ui_location"`
	ActionSequence []string          `json:"action_sequence"`
	Shortcut       string            `json:"shortcut,omitempty"`
	Prerequisites  []string          `json:"prerequisites,omitempty"`
	OutputState    string            `json:"output_state,omitempty"`
	DocCitation    string            `json:"doc_citation,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	KBLearnings    []FailureLearning `json:"kb_learnings"`
	TrustScore     float64           `json:"trust_score"`
}

// MinTrustScore is the floor trust_score decays to and never crosses.
const MinTrustScore = 0.5

// TrustDecayFactor is multiplied into trust_score on every new learning.
const TrustDecayFactor = 0.95

// DecayTrust is deterministic and free of wall-clock inputs: a function
// only of the prior score.
func DecayTrust(prior float64) float64 {
	decayed := prior * TrustDecayFactor
	if decayed < MinTrustScore {
		return MinTrustScore
	}
	return decayed
}

// HasLearnings reports whether this item carries at least one learning.
func (k KnowledgeItem) HasLearnings() bool {
	return len(k.KBLearnings) > 0
}

// FailureLearning is a structured record of a single execution failure,
// attached to exactly one KnowledgeItem.
type FailureLearning struct {
	Task             string    `json:"task"`
	StepNum          int       `json:"step_num"`
	OriginalAction   Action    `json:"original_action"`
	OriginalError    string    `json:"original_error"`
	RecoveryApproach string    `json:"recovery_approach"`
	Timestamp        time.Time `json:"timestamp"`
}

// Resolved reports whether the Recovery Synthesizer has already filled
// this learning's recovery_approach.
func (f FailureLearning) Resolved() bool {
	return f.RecoveryApproach != ""
}

// VectorMetadata is the projection carried by the vector index: fields
// strictly derivable from the catalog item of the same id, plus the full
// serialized item for reconstruction on retrieval.
type VectorMetadata struct {
	KnowledgeID   string  `json:"knowledge_id"`
	FullKnowledge string  `json:"full_knowledge"` // serialize(item)
	HasLearnings  bool    `json:"has_learnings"`
	LearningCount int     `json:"learning_count"`
	TrustScore    float64 `json:"trust_score"`
}

// NewVectorMetadata derives a VectorMetadata from a KnowledgeItem. It is
// the only place allowed to compute these convenience fields so the
// "metadata is a function of the catalog entry" invariant holds by
// construction rather than by convention.
func NewVectorMetadata(item KnowledgeItem, serialized string) VectorMetadata {
	return VectorMetadata{
		KnowledgeID:   item.KnowledgeID,
		FullKnowledge: serialized,
		HasLearnings:  item.HasLearnings(),
		LearningCount: len(item.KBLearnings),
		TrustScore:    item.TrustScore,
	}
}

// EmbeddingText is the text embedded for semantic search: description
// plus the joined action sequence.
func EmbeddingText(item KnowledgeItem) string {
	text := item.Description
	for _, step := range item.ActionSequence {
		text += " " + step
	}
	return text
}
