// Package workerpool implements the WorkerPool: bounded-concurrency worker
// session spawning, poll-driven progress tracking, and per-worker control
// operations (pause, resume, cancel, retry).
package workerpool

import (
	"errors"
	"time"

	"github.com/kdlbs/conductor/internal/parser"
)

// Status is a Worker's position in its state machine. A Worker never
// regresses: queued -> spawning -> running -> {completed|failed|timeout|cancelled}.
// paused may be entered from running and exited back to running.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSpawning  Status = "spawning"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition out of this status
// occurs without an explicit retry creating a fresh Worker.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is an immutable unit of work assigned to one Worker.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Scope        string   `json:"scope,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Worker is the stateful record of one task's execution.
type Worker struct {
	WorkerID                string
	OrchestratorID          string
	TaskID                  string
	SessionID               string
	Status                  Status
	ProgressPct             int
	CurrentAction           string
	Output                  string
	OutputFiles             []string
	ToolStats               map[string]int
	RetryCount              int
	StartedAt               time.Time
	CompletedAt             time.Time
	LastPolledAt            time.Time
	ConsecutivePollFailures int

	// TranscriptCursor is the last transcript entry index this worker's
	// poller has consumed; re-applying up to the same cursor is a no-op.
	TranscriptCursor int

	// LastDetection is the keyword-heuristic fallback's most recent result,
	// set only when a polled chunk of assistant text carried no parseable
	// response block.
	LastDetection parser.DetectionResult

	task Task
}

// Task returns the immutable task record this worker is executing.
func (w *Worker) Task() Task { return w.task }

var (
	ErrWorkerNotFound      = errors.New("workerpool: worker not found")
	ErrInvalidTransition   = errors.New("workerpool: invalid worker state transition")
	ErrRetryLimitExceeded  = errors.New("workerpool: retry limit exceeded")
	ErrPoolNotRunning      = errors.New("workerpool: pool is not running")
	ErrPoolAlreadyRunning  = errors.New("workerpool: pool is already running")
)

// maxConsecutivePollFailures is how many consecutive transcript-poll
// failures terminate a worker as failed.
const maxConsecutivePollFailures = 5
