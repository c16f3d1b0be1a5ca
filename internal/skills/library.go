// Package skills implements the Skill Library: one JSON file per
// canonical operation slug under a skills directory, with fuzzy
// operation-matching for reuse across near-identical task phrasings.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deskpilot.app/agent/common"
	"deskpilot.app/agent/internal/fuzzy"
	"deskpilot.app/agent/internal/model"
)

// SimilarityThreshold is the minimum similarity find_similar requires.
const SimilarityThreshold = 0.70

// MaxMatches is the number of candidates find_similar returns.
const MaxMatches = 3

// Library is one JSON file per canonical operation slug.
type Library struct {
	mu  sync.Mutex
	dir string

	// bySlug is an in-memory cache of every file's contents, kept in
	// sync with disk on every Add/IncrementUsage call.
	bySlug map[string][]model.VerifiedSkill
}

// New loads every *_skills.json file already present under dir.
func New(dir string) (*Library, error) {
	if dir == "" {
		return nil, fmt.Errorf("skills: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("skills: creating directory: %w", err)
	}

	lib := &Library{dir: dir, bySlug: map[string][]model.VerifiedSkill{}}
	if err := lib.loadAll(); err != nil {
		return nil, err
	}
	return lib, nil
}

func (l *Library) loadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("skills: reading directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_skills.json") {
			continue
		}
		slug := strings.TrimSuffix(entry.Name(), "_skills.json")
		skills, err := l.readFile(slug)
		if err != nil {
			return err
		}
		l.bySlug[slug] = skills
	}
	return nil
}

func (l *Library) filePath(slug string) string {
	return filepath.Join(l.dir, slug+"_skills.json")
}

func (l *Library) readFile(slug string) ([]model.VerifiedSkill, error) {
	content, err := os.ReadFile(l.filePath(slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: reading %s: %w", slug, err)
	}
	var skills []model.VerifiedSkill
	if err := json.Unmarshal(content, &skills); err != nil {
		return nil, fmt.Errorf("skills: unmarshal %s: %w", slug, err)
	}
	return skills, nil
}

func (l *Library) writeFile(slug string, skills []model.VerifiedSkill) error {
	content, err := json.MarshalIndent(skills, "", "  ")
	if err != nil {
		return fmt.Errorf("skills: marshal %s: %w", slug, err)
	}
	path := l.filePath(slug)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return fmt.Errorf("skills: writing %s: %w", slug, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("skills: renaming %s: %w", slug, err)
	}
	return nil
}

// FindSimilar computes similarity over the operation only (parameters
// stripped; the caller passes ParameterizedTask.Operation), returning
// matches with similarity >= SimilarityThreshold, sorted descending, top
// MaxMatches.
func (l *Library) FindSimilar(ctx context.Context, operation string) []model.SkillMatch {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matches []model.SkillMatch
	for _, skills := range l.bySlug {
		for _, skill := range skills {
			sim := fuzzy.Similarity(operation, skill.TaskDescription)
			if sim >= SimilarityThreshold {
				matches = append(matches, model.SkillMatch{Skill: skill, Similarity: sim})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > MaxMatches {
		matches = matches[:MaxMatches]
	}
	return matches
}

// Add persists a newly verified skill and appends it to the in-memory
// index. skill_id is "skill_<ordinal>_<timestamp>" where ordinal is the
// skill's position within its operation slug's file.
func (l *Library) Add(ctx context.Context, skill model.VerifiedSkill) (model.VerifiedSkill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slug, err := common.Slugify(skill.TaskDescription, "skill")
	if err != nil {
		return model.VerifiedSkill{}, fmt.Errorf("skills: slugify operation: %w", err)
	}

	existing := l.bySlug[slug]
	ordinal := len(existing)
	skill.SkillID = fmt.Sprintf("skill_%d_%d", ordinal, time.Now().UTC().Unix())

	updated := append(existing, skill)
	if err := l.writeFile(slug, updated); err != nil {
		return model.VerifiedSkill{}, err
	}
	l.bySlug[slug] = updated

	return skill, nil
}

// IncrementUsage bumps times_used for the named skill wherever it lives.
func (l *Library) IncrementUsage(ctx context.Context, skillID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for slug, skills := range l.bySlug {
		for i, skill := range skills {
			if skill.SkillID != skillID {
				continue
			}
			skills[i].Metadata.TimesUsed++
			if err := l.writeFile(slug, skills); err != nil {
				return err
			}
			l.bySlug[slug] = skills
			return nil
		}
	}
	return fmt.Errorf("skills: skill id %q not found", skillID)
}
