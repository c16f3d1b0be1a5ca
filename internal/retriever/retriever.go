// Package retriever implements the Knowledge Retriever: semantic
// retrieval over the catalog, and the one sanctioned path for keeping
// vector metadata a function of the catalog after every mutation.
package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"deskpilot.app/agent/internal/catalog"
	"deskpilot.app/agent/internal/model"
	"deskpilot.app/agent/internal/vectorindex"
)

// Index is the subset of vectorindex.Index the retriever depends on.
// Declaring it here (rather than depending on the concrete type) keeps
// the retriever testable against an in-memory fake without a typesense
// server.
type Index interface {
	IndexItem(ctx context.Context, id, embeddingText string, metadata model.VectorMetadata) error
	Query(ctx context.Context, text string, topK int, filter *vectorindex.Filter) ([]vectorindex.Match, error)
	UpdateMetadata(ctx context.Context, id string, metadata model.VectorMetadata) error
}

// Retriever composes the Catalog Store and the Vector Index.
type Retriever struct {
	catalog catalog.Store
	index   Index
}

func New(store catalog.Store, index Index) *Retriever {
	return &Retriever{catalog: store, index: index}
}

// Serialize renders a KnowledgeItem as the "full_knowledge" string
// carried by vector metadata, and Deserialize is its exact inverse:
// Deserialize(Serialize(item)) == item.
func Serialize(item model.KnowledgeItem) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("retriever: serialize: %w", err)
	}
	return string(b), nil
}

func Deserialize(s string) (model.KnowledgeItem, error) {
	var item model.KnowledgeItem
	if err := json.Unmarshal([]byte(s), &item); err != nil {
		return model.KnowledgeItem{}, fmt.Errorf("retriever: deserialize: %w", err)
	}
	return item, nil
}

// IndexNew indexes a brand-new catalog item for the first time. Within
// this repository only the tests call it.
func (r *Retriever) IndexNew(ctx context.Context, item model.KnowledgeItem) error {
	serialized, err := Serialize(item)
	if err != nil {
		return err
	}
	metadata := model.NewVectorMetadata(item, serialized)
	return r.index.IndexItem(ctx, item.KnowledgeID, model.EmbeddingText(item), metadata)
}

// Retrieve performs semantic search and reconstructs each item from its
// metadata's full_knowledge. Results are sorted by descending score with
// a stable tie-break on ascending knowledge_id.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]model.KnowledgeItem, error) {
	matches, err := r.index.Query(ctx, query, topK, nil)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].KnowledgeID < matches[j].KnowledgeID
	})

	items := make([]model.KnowledgeItem, 0, len(matches))
	for _, m := range matches {
		item, err := Deserialize(m.Metadata.FullKnowledge)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateVectorMetadata loads the current item from the catalog and
// rewrites the vector entry's metadata from it. This is the only
// sanctioned mutation of vector metadata and must be called after every
// catalog write that touches the named item.
func (r *Retriever) UpdateVectorMetadata(ctx context.Context, id string) error {
	item, err := r.catalog.Get(ctx, id)
	if err != nil {
		return err
	}

	serialized, err := Serialize(item)
	if err != nil {
		return err
	}
	metadata := model.NewVectorMetadata(item, serialized)
	return r.index.UpdateMetadata(ctx, id, metadata)
}

// GetByID is a convenience direct catalog lookup, bypassing the index.
func (r *Retriever) GetByID(ctx context.Context, id string) (model.KnowledgeItem, error) {
	return r.catalog.Get(ctx, id)
}
