package templates

import "errors"

var (
	// ErrNotFound is returned when a template id does not exist.
	ErrNotFound = errors.New("templates: template not found")
	// ErrCyclicExtends is returned when a template's extends chain loops
	// back on itself.
	ErrCyclicExtends = errors.New("templates: cyclic extends chain")
	// ErrSystemImmutable is returned when a write targets a system template.
	ErrSystemImmutable = errors.New("templates: system templates are immutable")
	// ErrAlreadyExists is returned when creating a template whose id is
	// already in use.
	ErrAlreadyExists = errors.New("templates: template already exists")
	// ErrInvalidTemplate is returned when a template fails schema or
	// sentinel validation; wraps the underlying cause.
	ErrInvalidTemplate = errors.New("templates: invalid template")
)
