// Package templates implements the TemplateStore: resolution, validation,
// variable substitution, and JSON-file persistence of orchestration
// templates.
package templates

import (
	"strings"
	"time"
)

// TemplateConfig bounds worker concurrency and lifetime for orchestrators
// created from a template.
type TemplateConfig struct {
	MaxWorkers      int `json:"maxWorkers,omitempty"`
	PollIntervalMs  int `json:"pollIntervalMs,omitempty"`
	WorkerTimeoutMs int `json:"workerTimeoutMs,omitempty"`
	RetryMax        int `json:"retryMax,omitempty"`

	// AutoSpawnWorkers is a pointer so an unset field in an extends chain
	// resolves to the ancestor's value instead of Go's bool zero value
	// ("false"), which would be indistinguishable from an explicit false.
	AutoSpawnWorkers *bool `json:"autoSpawnWorkers,omitempty"`
}

// TemplatePrompts holds the per-phase prompt text, each containing
// {VARIABLE} placeholders resolved at orchestrator-creation time.
type TemplatePrompts struct {
	Analysis     string `json:"analysis"`
	TaskPlanning string `json:"taskPlanning"`
	Worker       string `json:"worker"`
	Aggregation  string `json:"aggregation"`
}

// DefaultPhases is the phase order used when a template omits Phases.
var DefaultPhases = []string{"analysis", "taskPlanning", "workerExecution", "aggregation"}

// Template is immutable once loaded by callers; the store's own resolution
// step is the only thing that mutates a Template's in-memory copy (by
// merging an extends chain into a fresh ResolvedTemplate).
type Template struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Extends   string            `json:"extends,omitempty"`
	Config    TemplateConfig    `json:"config"`
	Prompts   TemplatePrompts   `json:"prompts"`
	Variables map[string]string `json:"variables,omitempty"`
	Phases    []string          `json:"phases,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// boolPtr returns a pointer to v, for populating TemplateConfig's
// explicit-set AutoSpawnWorkers field from a literal.
func boolPtr(v bool) *bool {
	return &v
}

// IsSystem reports whether the template is a built-in, read-only template.
func (t *Template) IsSystem() bool {
	return strings.HasPrefix(t.ID, "_")
}

// Metadata is the lightweight summary returned by listTemplates.
type Metadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Extends  string `json:"extends,omitempty"`
	IsSystem bool   `json:"isSystem"`
}

// ResolvedTemplate is the flattened, deep-merged result of walking a
// Template's extends chain from root to leaf.
type ResolvedTemplate struct {
	Template
	Chain []string `json:"chain"` // resolution order, root first, leaf (the requested id) last
}
