package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/platform/log"
)

// Store is the TemplateStore. User templates live as individual JSON files
// under dir; the bundled system templates are seeded idempotently into the
// same directory on first run: a system template file is only written if
// absent.
type Store struct {
	dir    string
	logger *log.Logger

	mu        sync.RWMutex
	templates map[string]*Template
}

// NewStore constructs a Store rooted at dir. Call Load before use.
func NewStore(dir string, logger *log.Logger) *Store {
	return &Store{
		dir:       dir,
		logger:    logger.WithFields(zap.String("component", "template-store")),
		templates: make(map[string]*Template),
	}
}

// Load seeds system templates (if absent) and then eagerly loads every
// template file under dir into memory.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("templates: failed to create template directory: %w", err)
	}

	if err := s.seedSystemTemplates(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("templates: failed to read template directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("templates: failed to read %s: %w", path, err)
		}
		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return fmt.Errorf("templates: failed to parse %s: %w", path, err)
		}
		s.templates[tmpl.ID] = &tmpl
	}

	s.logger.Info("loaded templates", zap.Int("count", len(s.templates)))
	return nil
}

// seedSystemTemplates writes each bundled system template's file only if
// it does not already exist, so operator edits (or a prior run's seed)
// are never clobbered.
func (s *Store) seedSystemTemplates() error {
	for _, tmpl := range systemTemplates() {
		path := s.pathFor(tmpl.ID)
		if _, err := os.Stat(path); err == nil {
			continue // already seeded
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("templates: failed to stat %s: %w", path, err)
		}

		data, err := json.MarshalIndent(tmpl, "", "  ")
		if err != nil {
			return fmt.Errorf("templates: failed to marshal system template %s: %w", tmpl.ID, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("templates: failed to write system template %s: %w", tmpl.ID, err)
		}
		s.logger.Info("seeded system template", zap.String("id", tmpl.ID))
	}
	return nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) lookup(id string) (*Template, bool) {
	t, ok := s.templates[id]
	return t, ok
}

// GetTemplate resolves id's full extends chain and returns the merged
// ResolvedTemplate. The result is recomputed on every call; it is not cached.
func (s *Store) GetTemplate(id string) (*ResolvedTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, err := resolveChain(id, s.lookup)
	if err != nil {
		return nil, err
	}
	return mergeChain(chain, s.lookup)
}

// ListTemplates returns lightweight metadata for every known template,
// system templates first, alphabetical by id within each group.
func (s *Store) ListTemplates() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Metadata, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, Metadata{
			ID:       t.ID,
			Name:     t.Name,
			Extends:  t.Extends,
			IsSystem: t.IsSystem(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsSystem != out[j].IsSystem {
			return out[i].IsSystem
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CreateTemplate validates and persists a brand new user template.
func (s *Store) CreateTemplate(tmpl *Template) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	if len(tmpl.ID) > 0 && tmpl.ID[0] == '_' {
		return ErrSystemImmutable
	}

	raw, err := decodeRaw(tmpl)
	if err != nil {
		return fmt.Errorf("templates: failed to encode template: %w", err)
	}
	if err := validateTemplate(raw); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[tmpl.ID]; exists {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	if err := s.writeLocked(tmpl); err != nil {
		return err
	}
	s.templates[tmpl.ID] = tmpl
	return nil
}

// UpdateTemplate overwrites an existing user template in place.
func (s *Store) UpdateTemplate(id string, tmpl *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.templates[id]
	if !ok {
		return ErrNotFound
	}
	if existing.IsSystem() {
		return ErrSystemImmutable
	}

	tmpl.ID = id
	raw, err := decodeRaw(tmpl)
	if err != nil {
		return fmt.Errorf("templates: failed to encode template: %w", err)
	}
	if err := validateTemplate(raw); err != nil {
		return err
	}

	tmpl.CreatedAt = existing.CreatedAt
	tmpl.UpdatedAt = time.Now().UTC()

	if err := s.writeLocked(tmpl); err != nil {
		return err
	}
	s.templates[id] = tmpl
	return nil
}

// DeleteTemplate removes a user template's file and in-memory entry.
func (s *Store) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.templates[id]
	if !ok {
		return ErrNotFound
	}
	if existing.IsSystem() {
		return ErrSystemImmutable
	}

	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("templates: failed to delete %s: %w", id, err)
	}
	delete(s.templates, id)
	return nil
}

// DuplicateTemplate copies id's raw (unresolved) definition under a new id
// and name, leaving the original untouched.
func (s *Store) DuplicateTemplate(id, newName string) (*Template, error) {
	s.mu.RLock()
	existing, ok := s.templates[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	dup := *existing
	dup.ID = uuid.New().String()
	dup.Name = newName
	dup.Variables = make(map[string]string, len(existing.Variables))
	for k, v := range existing.Variables {
		dup.Variables[k] = v
	}
	dup.Phases = append([]string(nil), existing.Phases...)

	if err := s.CreateTemplate(&dup); err != nil {
		return nil, err
	}
	return &dup, nil
}

// writeLocked persists tmpl to disk. Callers must hold s.mu.
func (s *Store) writeLocked(tmpl *Template) error {
	data, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return fmt.Errorf("templates: failed to marshal template %s: %w", tmpl.ID, err)
	}
	if err := os.WriteFile(s.pathFor(tmpl.ID), data, 0o644); err != nil {
		return fmt.Errorf("templates: failed to write template %s: %w", tmpl.ID, err)
	}
	return nil
}
