// Package parser implements the ResponseParser: extraction, tolerant JSON
// recovery, and phase-typed decoding of response blocks embedded in
// assistant transcript text.
package parser

import "errors"

// Delimiters wrapping a structured response block in assistant text.
const (
	BlockOpen  = "<<<ORCHESTRATOR_RESPONSE>>>"
	BlockClose = "<<<END_ORCHESTRATOR_RESPONSE>>>"
)

// Phase identifies which payload shape a block's "phase" field declares.
type Phase string

const (
	PhaseAnalysis    Phase = "analysis"
	PhaseTaskList    Phase = "task_list"
	PhaseProgress    Phase = "progress"
	PhaseCompletion  Phase = "completion"
	PhaseAggregation Phase = "aggregation"
)

// ParsedPayload is implemented by every phase-specific payload struct.
// ParseResult.Data is always one of these concrete types, never a bare map.
type ParsedPayload interface {
	phasePayload()
}

// Task is one entry of a TaskListPayload.
type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Scope           string   `json:"scope,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	EstimatedTokens int      `json:"estimated_tokens,omitempty"`
}

// AnalysisPayload is the phase="analysis" payload shape.
type AnalysisPayload struct {
	Summary             string   `json:"summary"`
	RecommendedSplits   int      `json:"recommended_splits"`
	KeyFiles            []string `json:"key_files,omitempty"`
	EstimatedComplexity string   `json:"estimated_complexity,omitempty"`
	Components          []string `json:"components,omitempty"`
	Notes               string   `json:"notes,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
}

func (AnalysisPayload) phasePayload() {}

// TaskListPayload is the phase="task_list" payload shape.
type TaskListPayload struct {
	Tasks                []Task     `json:"tasks"`
	TotalTasks           int        `json:"total_tasks,omitempty"`
	ParallelizableGroups [][]string `json:"parallelizable_groups,omitempty"`
	ExecutionOrder       []string   `json:"execution_order,omitempty"`
}

func (TaskListPayload) phasePayload() {}

// ProgressPayload is the phase="progress" payload shape.
type ProgressPayload struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent,omitempty"`
	CurrentAction   string `json:"current_action,omitempty"`
	FilesProcessed  int    `json:"files_processed,omitempty"`
	FilesTotal      int    `json:"files_total,omitempty"`
	OutputPreview   string `json:"output_preview,omitempty"`
}

func (ProgressPayload) phasePayload() {}

// CompletionPayload is the phase="completion" payload shape.
type CompletionPayload struct {
	TaskID      string            `json:"task_id"`
	Status      string            `json:"status"` // success | partial | failed | timeout
	Summary     string            `json:"summary,omitempty"`
	OutputFiles []string          `json:"output_files,omitempty"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Metrics     map[string]int    `json:"metrics,omitempty"`
}

func (CompletionPayload) phasePayload() {}

// AggregationPayload is the phase="aggregation" payload shape.
type AggregationPayload struct {
	Status       string   `json:"status"`
	Summary      string   `json:"summary,omitempty"`
	Conflicts    []string `json:"conflicts,omitempty"`
	MergedOutput string   `json:"merged_output,omitempty"`
	OutputFiles  []string `json:"output_files,omitempty"`
}

func (AggregationPayload) phasePayload() {}

// ParseResult is one extracted response block. Found is true for every
// block the scanner located, whether or not it decoded cleanly: a block
// that was found but could not be parsed carries Err (e.g. ErrMissingEnd,
// ErrUnknownPhase, or a payload-validation failure) with Phase/Data left
// zero, so a caller can log and continue rather than silently dropping it.
type ParseResult struct {
	Phase      Phase
	Data       ParsedPayload
	BeforeText string // prose preceding this block
	AfterText  string // prose following this block (only set on the last result)
	Found      bool
	Err        error
}

// DetectionResult is returned by Detect when no structured block is found.
type DetectionResult struct {
	Detected      bool
	ProbablePhase Phase
	Confidence    float64 // in [0.1, 0.9]
}

// ErrParseFailed is returned when a block's content cannot be recovered by
// any tolerant-JSON-repair step.
var ErrParseFailed = errors.New("parser: unable to parse response block")

// ErrUnknownPhase is returned when a block's "phase" field does not match
// any known phase.
var ErrUnknownPhase = errors.New("parser: unknown phase")

// ErrMissingEnd is returned (via ParseResult.Err) when a block opens with
// BlockOpen but the transcript text ends before a matching BlockClose shows
// up, e.g. a response still streaming in, or a model that forgot the
// closing delimiter.
var ErrMissingEnd = errors.New("parser: missing end delimiter")
