package templates

import (
	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/platform/log"
)

// Service is a thin layer over Store that renders prompts with a caller's
// variable set and logs (never fails on) unresolved placeholders.
type Service struct {
	store  *Store
	logger *log.Logger
}

// NewService wraps store with prompt-rendering and logging.
func NewService(store *Store, logger *log.Logger) *Service {
	return &Service{store: store, logger: logger.WithFields(zap.String("component", "template-service"))}
}

// ResolveAndRender resolves id's extends chain and substitutes variables
// into every phase prompt, logging a warning (not an error) for any
// placeholder left unresolved.
func (s *Service) ResolveAndRender(id string, variables map[string]string) (*ResolvedTemplate, TemplatePrompts, error) {
	resolved, err := s.store.GetTemplate(id)
	if err != nil {
		return nil, TemplatePrompts{}, err
	}

	merged := make(map[string]string, len(resolved.Variables)+len(variables))
	for k, v := range resolved.Variables {
		merged[k] = v
	}
	for k, v := range variables {
		merged[k] = v
	}

	rendered, unresolved := RenderPrompts(resolved, merged)
	if len(unresolved) > 0 {
		s.logger.Warn("unresolved template placeholders",
			zap.String("templateId", id),
			zap.String("placeholders", describeUnresolved(unresolved)))
	}

	return resolved, rendered, nil
}

// ListTemplates delegates to the store.
func (s *Service) ListTemplates() []Metadata {
	return s.store.ListTemplates()
}

// GetTemplate delegates to the store.
func (s *Service) GetTemplate(id string) (*ResolvedTemplate, error) {
	return s.store.GetTemplate(id)
}

// CreateTemplate delegates to the store.
func (s *Service) CreateTemplate(tmpl *Template) error {
	return s.store.CreateTemplate(tmpl)
}

// UpdateTemplate delegates to the store.
func (s *Service) UpdateTemplate(id string, tmpl *Template) error {
	return s.store.UpdateTemplate(id, tmpl)
}

// DeleteTemplate delegates to the store.
func (s *Service) DeleteTemplate(id string) error {
	return s.store.DeleteTemplate(id)
}

// DuplicateTemplate delegates to the store.
func (s *Service) DuplicateTemplate(id, newName string) (*Template, error) {
	return s.store.DuplicateTemplate(id, newName)
}
