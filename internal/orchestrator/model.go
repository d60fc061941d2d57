// Package orchestrator implements the OrchestratorManager: it drives one
// orchestration run end to end (resolving a template, starting the main
// session, parsing phase responses out of its transcript, confirming and
// spawning the worker batch, and aggregating results) while persisting its
// own state to disk on every mutation.
package orchestrator

import (
	"time"

	"github.com/kdlbs/conductor/internal/templates"
)

// Status is an Orchestrator's top-level lifecycle position.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Phase is an Orchestrator's position within a running status. Phases only
// advance in this declared order.
type Phase string

const (
	PhaseAnalysis             Phase = "analysis"
	PhaseTaskPlanning         Phase = "taskPlanning"
	PhaseAwaitingConfirmation Phase = "awaitingConfirmation"
	PhaseWorkerExecution      Phase = "workerExecution"
	PhaseAggregation          Phase = "aggregation"
	PhaseDone                 Phase = "done"
)

// phaseOrder is the declared advancement order checked by canAdvance.
var phaseOrder = []Phase{
	PhaseAnalysis,
	PhaseTaskPlanning,
	PhaseAwaitingConfirmation,
	PhaseWorkerExecution,
	PhaseAggregation,
	PhaseDone,
}

// Task is an immutable unit of work the task-planning phase produced.
type Task struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Scope            string   `json:"scope,omitempty"`
	Priority         int      `json:"priority,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
	EstimatedTokens  int      `json:"estimatedTokens,omitempty"`
}

// Stats are the aggregate tool-usage counters rolled up from every worker.
type Stats struct {
	ToolInvocations map[string]int `json:"toolInvocations,omitempty"`
	TasksCompleted  int            `json:"tasksCompleted"`
	TasksFailed     int            `json:"tasksFailed"`
}

// Orchestrator is the stateful record of one orchestration run.
type Orchestrator struct {
	ID               string            `json:"id"`
	TemplateID       string            `json:"templateId"`
	Cwd              string            `json:"cwd"`
	Message          string            `json:"message"`
	MainSessionID    string            `json:"mainSessionId,omitempty"`
	Status           Status            `json:"status"`
	CurrentPhase     Phase             `json:"currentPhase,omitempty"`
	Variables        map[string]string `json:"variables"`
	Analysis         *AnalysisRecord   `json:"analysis,omitempty"`
	Tasks            []Task            `json:"tasks,omitempty"`
	WorkersByTaskID  map[string]string `json:"workersByTaskId,omitempty"`
	Stats            Stats             `json:"stats"`
	ErrorReason      string            `json:"errorReason,omitempty"`
	AutoSpawnWorkers bool              `json:"autoSpawnWorkers"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`

	// LastProcessedTranscriptOffset is a monotonic cursor into the main
	// session's transcript; re-processing up to the same offset is a no-op.
	LastProcessedTranscriptOffset int `json:"lastProcessedTranscriptOffset"`

	// resolved is the in-memory resolved-template snapshot.
	// Not persisted: cheap to re-resolve from TemplateID via the
	// TemplateStore on rearm, and keeping it out of the JSON file avoids
	// duplicating template content that store.go already owns on disk.
	resolved *templates.ResolvedTemplate

	// lastProgressAt is the last time new main-session transcript content was
	// observed or a phase advanced. Zero until started; reset on rearm so a
	// freshly reloaded orchestrator is not immediately declared stalled.
	lastProgressAt time.Time

	// lastValidResponseAt is the last time a structured response block on the
	// main session decoded successfully into a known phase. Zero until the
	// first such block arrives; used to gate OrchestratorProtocolError so a
	// single self-corrected JSON hiccup doesn't fire the event immediately.
	lastValidResponseAt time.Time
}

// Resolved returns the orchestrator's cached resolved-template snapshot, or
// nil if it hasn't been (re-)resolved yet this process.
func (o *Orchestrator) Resolved() *templates.ResolvedTemplate { return o.resolved }

// AnalysisRecord is the stored analysis-phase payload.
type AnalysisRecord struct {
	Summary             string   `json:"summary"`
	RecommendedSplits   int      `json:"recommendedSplits"`
	KeyFiles            []string `json:"keyFiles,omitempty"`
	EstimatedComplexity string   `json:"estimatedComplexity,omitempty"`
	Components          []string `json:"components,omitempty"`
}

// IsTerminal reports whether the orchestrator has reached a status no
// further operation moves it out of.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// phaseIndex returns p's position in phaseOrder, or -1 if unknown.
func phaseIndex(p Phase) int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// canAdvance reports whether moving from `from` to `to` respects the
// declared phase order: the current phase only ever advances, never
// revisits an earlier one.
func canAdvance(from, to Phase) bool {
	fi, ti := phaseIndex(from), phaseIndex(to)
	if fi == -1 || ti == -1 {
		return false
	}
	return ti > fi
}

// TaskModification edits or drops a task during awaitingConfirmation.
type TaskModification struct {
	TaskID  string `json:"taskId"`
	Drop    bool   `json:"drop,omitempty"`
	Title   string `json:"title,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

// CreateRequest is the input to Engine.Create.
type CreateRequest struct {
	TemplateID      string
	Cwd             string
	Message         string
	CustomVariables map[string]string
}

// HistoryRecord mirrors the optional HistoryRecorder's persisted shape.
type HistoryRecord struct {
	OrchestratorID string    `json:"orchestratorId"`
	TemplateID     string    `json:"templateId"`
	FinalStatus    Status    `json:"finalStatus"`
	TaskCount      int       `json:"taskCount"`
	FailureReason  string    `json:"failureReason,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
}

// HistoryRecorder is the optional, nil-safe sink for terminal orchestrator
// records. Absence changes no core-engine behavior: callers must nil-check
// before invoking it, never require it.
type HistoryRecorder interface {
	Record(record HistoryRecord) error
}
