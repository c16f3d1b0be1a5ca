// Package catalog implements the authoritative JSON catalog of
// KnowledgeItems: a durable mapping from knowledge_id to KnowledgeItem,
// persisted as a single JSON file, read-modify-write, single-writer.
//
// Writes go to a temp file next to the target, then os.Rename, cleaning
// up the temp file on failure so a crash never leaves a half-written
// catalog on disk.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"deskpilot.app/agent/internal/apperr"
	"deskpilot.app/agent/internal/model"
)

// Store is the Catalog Store's contract: load_all, get, update.
type Store interface {
	LoadAll(ctx context.Context) ([]model.KnowledgeItem, error)
	Get(ctx context.Context, id string) (model.KnowledgeItem, error)
	Update(ctx context.Context, item model.KnowledgeItem) error
}

// FileStore implements Store as a single JSON file under path, guarded
// by an in-process mutex. Concurrent mutation from multiple processes
// is unsupported; a single writer is assumed.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore backed by path. The parent directory
// is created if missing; if the file itself does not yet exist, reads
// return an empty catalog rather than an error so a brand-new root
// directory can be pointed at without a separate bootstrap step.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: creating directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

type catalogFile struct {
	Items map[string]model.KnowledgeItem `json:"items"`
}

func (s *FileStore) read() (catalogFile, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return catalogFile{Items: map[string]model.KnowledgeItem{}}, nil
		}
		return catalogFile{}, apperr.NewCatalogIOError("reading catalog: %w", err)
	}
	if len(content) == 0 {
		return catalogFile{Items: map[string]model.KnowledgeItem{}}, nil
	}
	var cf catalogFile
	if err := json.Unmarshal(content, &cf); err != nil {
		return catalogFile{}, apperr.NewCatalogIOError("unmarshal catalog: %w", err)
	}
	if cf.Items == nil {
		cf.Items = map[string]model.KnowledgeItem{}
	}
	return cf, nil
}

func (s *FileStore) write(cf catalogFile) error {
	content, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return apperr.NewCatalogIOError("marshal catalog: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		os.Remove(tmpPath)
		return apperr.NewCatalogIOError("writing temp catalog: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return apperr.NewCatalogIOError("renaming catalog: %w", err)
	}
	return nil
}

// LoadAll returns every KnowledgeItem, sorted by ascending knowledge_id
// for deterministic iteration order.
func (s *FileStore) LoadAll(ctx context.Context) ([]model.KnowledgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.read()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(cf.Items))
	for id := range cf.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]model.KnowledgeItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, cf.Items[id])
	}
	return items, nil
}

// Get returns a single KnowledgeItem by id, or UnknownKnowledgeId.
func (s *FileStore) Get(ctx context.Context, id string) (model.KnowledgeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.read()
	if err != nil {
		return model.KnowledgeItem{}, err
	}
	item, ok := cf.Items[id]
	if !ok {
		return model.KnowledgeItem{}, apperr.NewUnknownKnowledgeIDError("knowledge id %q not found", id)
	}
	return item, nil
}

// Update performs a read-modify-write of the whole file, replacing (or
// inserting) the item with a matching knowledge_id.
func (s *FileStore) Update(ctx context.Context, item model.KnowledgeItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.read()
	if err != nil {
		return err
	}
	cf.Items[item.KnowledgeID] = item
	return s.write(cf)
}
