package orchestrator

import "errors"

var (
	ErrNotFound                = errors.New("orchestrator: not found")
	ErrInvalidTransition       = errors.New("orchestrator: invalid status/phase transition")
	ErrAlreadyStarted          = errors.New("orchestrator: already started")
	ErrNotAwaitingConfirmation = errors.New("orchestrator: not awaiting task confirmation")
	ErrTasksImmutable          = errors.New("orchestrator: tasks are immutable once worker execution begins")
	ErrEngineAlreadyRunning    = errors.New("orchestrator: engine is already running")
	ErrEngineNotRunning        = errors.New("orchestrator: engine is not running")
)
