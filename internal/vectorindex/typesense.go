// Package vectorindex implements the Vector Index: a searchable store over
// KnowledgeItems whose metadata mirrors the catalog, backed by a
// typesense collection. Search is typesense keyword text search; no
// embeddings are computed or stored.
package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/typesense/typesense-go/v4/typesense"
	"github.com/typesense/typesense-go/v4/typesense/api"
	"github.com/typesense/typesense-go/v4/typesense/api/pointer"

	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/model"
)

// Match is one result of a query: an id, a relevance score, and
// the metadata projection carried alongside it.
type Match struct {
	KnowledgeID string
	Score       float64
	Metadata    model.VectorMetadata
}

// Filter expresses the optional metadata predicate query() accepts:
// equality and numeric comparison over the convenience fields.
type Filter struct {
	HasLearnings  *bool
	MinTrustScore *float64
	MaxTrustScore *float64
}

// Index is the Vector Index's contract: index, query, update_metadata.
type Index interface {
	IndexItem(ctx context.Context, id, embeddingText string, metadata model.VectorMetadata) error
	Query(ctx context.Context, text string, topK int, filter *Filter) ([]Match, error)
	UpdateMetadata(ctx context.Context, id string, metadata model.VectorMetadata) error
}

const (
	fieldKnowledgeID   = "knowledge_id"
	fieldEmbeddingText = "embedding_text"
	fieldFullKnowledge = "full_knowledge"
	fieldHasLearnings  = "has_learnings"
	fieldLearningCount = "learning_count"
	fieldTrustScore    = "trust_score"
)

// TypesenseIndex implements Index against a typesense collection.
type TypesenseIndex struct {
	client     *typesense.Client
	collection string
}

// Config configures the collection-level connection.
type Config struct {
	Host       string
	APIKey     string
	Collection string
}

// New creates a TypesenseIndex and ensures the backing collection exists
// with a schema matching the fields above.
func New(ctx context.Context, cfg Config) (*TypesenseIndex, error) {
	if cfg.Host == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("vectorindex: host and API key are required")
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "knowledge_items"
	}

	client := typesense.NewClient(
		typesense.WithServer(cfg.Host),
		typesense.WithAPIKey(cfg.APIKey),
	)

	idx := &TypesenseIndex{client: client, collection: collection}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *TypesenseIndex) ensureCollection(ctx context.Context) error {
	_, err := idx.client.Collection(idx.collection).Retrieve(ctx)
	if err == nil {
		return nil
	}

	schema := &api.CollectionSchema{
		Name: idx.collection,
		Fields: []api.Field{
			{Name: fieldKnowledgeID, Type: "string"},
			{Name: fieldEmbeddingText, Type: "string"},
			{Name: fieldFullKnowledge, Type: "string", Index: pointer.True()},
			{Name: fieldHasLearnings, Type: "bool", Facet: pointer.True()},
			{Name: fieldLearningCount, Type: "int32", Facet: pointer.True()},
			{Name: fieldTrustScore, Type: "float", Facet: pointer.True()},
		},
	}
	if _, err := idx.client.Collections().Create(ctx, schema); err != nil {
		return fmt.Errorf("vectorindex: creating collection: %w", err)
	}
	return nil
}

type document struct {
	ID            string  `json:"id"`
	KnowledgeID   string  `json:"knowledge_id"`
	EmbeddingText string  `json:"embedding_text"`
	FullKnowledge string  `json:"full_knowledge"`
	HasLearnings  bool    `json:"has_learnings"`
	LearningCount int     `json:"learning_count"`
	TrustScore    float64 `json:"trust_score"`
}

func toDocument(id, embeddingText string, metadata model.VectorMetadata) document {
	return document{
		ID:            id,
		KnowledgeID:   metadata.KnowledgeID,
		EmbeddingText: embeddingText,
		FullKnowledge: metadata.FullKnowledge,
		HasLearnings:  metadata.HasLearnings,
		LearningCount: metadata.LearningCount,
		TrustScore:    metadata.TrustScore,
	}
}

// IndexItem upserts a KnowledgeItem's embedding text and metadata.
func (idx *TypesenseIndex) IndexItem(ctx context.Context, id, embeddingText string, metadata model.VectorMetadata) error {
	doc := toDocument(id, embeddingText, metadata)
	if _, err := idx.client.Collection(idx.collection).Documents().Upsert(ctx, doc, nil); err != nil {
		return apperr.NewCatalogIOError("vectorindex: upserting %q: %w", id, err)
	}
	return nil
}

// UpdateMetadata replaces a document's metadata fields without touching
// its embedding text. It is the only mutation path after a catalog
// write.
func (idx *TypesenseIndex) UpdateMetadata(ctx context.Context, id string, metadata model.VectorMetadata) error {
	partial := map[string]any{
		fieldFullKnowledge: metadata.FullKnowledge,
		fieldHasLearnings:  metadata.HasLearnings,
		fieldLearningCount: metadata.LearningCount,
		fieldTrustScore:    metadata.TrustScore,
	}
	if _, err := idx.client.Collection(idx.collection).Document(id).Update(ctx, partial, nil); err != nil {
		return apperr.NewCatalogIOError("vectorindex: updating metadata %q: %w", id, err)
	}
	return nil
}

// Query runs a typesense keyword text search over embedding_text with an
// optional metadata predicate over the convenience fields, and scores
// each hit by its text-match value. No embedding or nearest-neighbor
// vector search is performed.
func (idx *TypesenseIndex) Query(ctx context.Context, text string, topK int, filter *Filter) ([]Match, error) {
	params := &api.SearchCollectionParams{
		Q:       pointer.String(text),
		QueryBy: pointer.String(fieldEmbeddingText),
		PerPage: pointer.Int(topK),
	}
	if fq := buildFilterBy(filter); fq != "" {
		params.FilterBy = pointer.String(fq)
	}

	result, err := idx.client.Collection(idx.collection).Documents().Search(ctx, params)
	if err != nil {
		return nil, apperr.NewCatalogIOError("vectorindex: query: %w", err)
	}
	if result.Hits == nil {
		return nil, nil
	}

	matches := make([]Match, 0, len(*result.Hits))
	for _, hit := range *result.Hits {
		if hit.Document == nil {
			continue
		}
		raw, err := json.Marshal(*hit.Document)
		if err != nil {
			continue
		}
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}

		score := 0.0
		if hit.TextMatch != nil {
			score = float64(*hit.TextMatch)
		}

		matches = append(matches, Match{
			KnowledgeID: doc.KnowledgeID,
			Score:       score,
			Metadata: model.VectorMetadata{
				KnowledgeID:   doc.KnowledgeID,
				FullKnowledge: doc.FullKnowledge,
				HasLearnings:  doc.HasLearnings,
				LearningCount: doc.LearningCount,
				TrustScore:    doc.TrustScore,
			},
		})
	}
	return matches, nil
}

func buildFilterBy(filter *Filter) string {
	if filter == nil {
		return ""
	}
	clause := ""
	add := func(part string) {
		if clause != "" {
			clause += " && "
		}
		clause += part
	}
	if filter.HasLearnings != nil {
		add(fmt.Sprintf("%s:=%t", fieldHasLearnings, *filter.HasLearnings))
	}
	if filter.MinTrustScore != nil {
		add(fmt.Sprintf("%s:>=%v", fieldTrustScore, *filter.MinTrustScore))
	}
	if filter.MaxTrustScore != nil {
		add(fmt.Sprintf("%s:<=%v", fieldTrustScore, *filter.MaxTrustScore))
	}
	return clause
}
