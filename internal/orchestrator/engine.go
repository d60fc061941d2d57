package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/adapter"
	"github.com/kdlbs/conductor/internal/events"
	"github.com/kdlbs/conductor/internal/events/bus"
	"github.com/kdlbs/conductor/internal/parser"
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
	"github.com/kdlbs/conductor/internal/templates"
	"github.com/kdlbs/conductor/internal/workerpool"
)

// runtimeClient is the subset of the RemoteRuntimeAdapter the engine and its
// per-orchestrator worker pools need. Matches workerpool's own narrowed
// sessionRuntime interface so one adapter (or one fake, in tests) satisfies
// both without an adapter type dependency leaking into workerpool.
type runtimeClient interface {
	GetTranscript(ctx context.Context, sessionID string) ([]adapter.TranscriptEntry, error)
	SendMessage(ctx context.Context, sessionID, text string, attachments []string) error
	StartSessionWithMessage(ctx context.Context, cwd, text string, opts adapter.StartSessionOptions) (string, error)
	ArchiveSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// mainPollInterval is the cadence the engine polls every running
// orchestrator's main session transcript. Per-worker polling cadence is a
// property of each orchestrator's own resolved template since that
// governs a dedicated WorkerPool; main-session polling is engine-wide.
const mainPollInterval = 2 * time.Second

// Engine is the OrchestratorManager: it owns the orchestrator table, a
// WorkerPool per active orchestrator, and the debounced persistence writer.
type Engine struct {
	templates *templates.Service
	runtime   runtimeClient
	parser    *parser.Parser
	bus       bus.EventBus
	logger    *log.Logger

	storagePath  string
	poolDefaults config.WorkerPoolConfig

	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator
	pools         map[string]*workerpool.WorkerPool

	historyRecorder HistoryRecorder
	subsessions     subsessionWatcher

	running        bool
	stopCh         chan struct{}
	persistTrigger chan struct{}
	wg             sync.WaitGroup
}

// NewEngine constructs an Engine. storagePath is the orchestrator table's
// JSON file (config.StorageConfig.OrchestratorsFile).
func NewEngine(storagePath string, poolDefaults config.WorkerPoolConfig, runtime runtimeClient, tmplSvc *templates.Service, prsr *parser.Parser, eventBus bus.EventBus, logger *log.Logger) *Engine {
	return &Engine{
		templates:      tmplSvc,
		runtime:        runtime,
		parser:         prsr,
		bus:            eventBus,
		logger:         logger.WithFields(zap.String("component", "orchestrator-engine")),
		storagePath:    storagePath,
		poolDefaults:   poolDefaults,
		orchestrators:  make(map[string]*Orchestrator),
		pools:          make(map[string]*workerpool.WorkerPool),
		persistTrigger: make(chan struct{}, 1),
	}
}

// SetHistoryRecorder wires the optional HistoryRecorder. If never called,
// every recordHistory call below is a no-op; core engine behavior never
// depends on it.
func (e *Engine) SetHistoryRecorder(hr HistoryRecorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.historyRecorder = hr
}

// subsessionWatcher is the narrow slice of the SubSessionTracker the engine
// needs: registering a freshly started session as a candidate parent for
// agent-spawned children. Kept as a small local interface (rather than
// importing *subsession.Tracker directly) so a test fake satisfies it too.
type subsessionWatcher interface {
	WatchParent(sessionID string)
}

// SetSubSessionTracker wires the optional SubSessionTracker. If never
// called, main and worker sessions are simply never registered as
// watch targets; core engine behavior is unaffected.
func (e *Engine) SetSubSessionTracker(tracker subsessionWatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subsessions = tracker
}

func (e *Engine) watchAsParent(sessionID string) {
	e.mu.RLock()
	tracker := e.subsessions
	e.mu.RUnlock()
	if tracker != nil && sessionID != "" {
		tracker.WatchParent(sessionID)
	}
}

// Start loads the persisted orchestrator table, logs (without resuming)
// every non-terminal orchestrator found, and starts the persistence and
// main-session poll loops. Workers attached to non-terminal orchestrators
// are not auto-restarted; continued monitoring must be re-armed by an
// explicit operator call to RearmOrchestrator.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrEngineAlreadyRunning
	}

	table, err := loadOrchestrators(e.storagePath)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.orchestrators = table
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	for _, orch := range table {
		if !orch.Status.IsTerminal() {
			e.logger.Info("loaded non-terminal orchestrator from disk; monitoring not resumed",
				zap.String("orchestrator_id", orch.ID),
				zap.String("status", string(orch.Status)),
				zap.String("phase", string(orch.CurrentPhase)))
		}
	}

	e.wg.Add(2)
	go e.persistenceLoop(ctx)
	go e.pollLoop(ctx)

	e.logger.Info("orchestrator engine started", zap.Int("loaded_orchestrators", len(table)))
	return nil
}

// Stop halts both loops and performs one final synchronous flush regardless
// of debounce state, so shutdown never loses a pending write.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()

	for _, pool := range e.snapshotPools() {
		_ = pool.Stop()
	}

	if err := e.flushToDisk(); err != nil {
		e.logger.Error("final persistence flush failed", zap.Error(err))
		return err
	}
	e.logger.Info("orchestrator engine stopped")
	return nil
}

// persistDebounce is how long the persistence loop waits after the first
// schedulePersist signal in a burst before writing the table to disk,
// coalescing rapid mutations (e.g. a batch of worker spawns) into one write.
const persistDebounce = 1 * time.Second

// schedulePersist signals the persistence loop that the orchestrator table
// has changed. The trigger channel is buffered to size 1, so a burst of
// calls while a flush is already pending collapses to a single signal.
func (e *Engine) schedulePersist() {
	select {
	case e.persistTrigger <- struct{}{}:
	default:
	}
}

// persistenceLoop debounces schedulePersist signals into a single
// flushToDisk call per persistDebounce window.
func (e *Engine) persistenceLoop(ctx context.Context) {
	defer e.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.persistTrigger:
			if timer == nil {
				timer = time.NewTimer(persistDebounce)
				timerC = timer.C
			}
		case <-timerC:
			if err := e.flushToDisk(); err != nil {
				e.logger.Error("debounced persistence flush failed", zap.Error(err))
			}
			timer = nil
			timerC = nil
		}
	}
}

// flushToDisk snapshots the orchestrator table and writes it atomically to
// storagePath.
func (e *Engine) flushToDisk() error {
	e.mu.RLock()
	table := make(map[string]*Orchestrator, len(e.orchestrators))
	for id, orch := range e.orchestrators {
		table[id] = orch
	}
	e.mu.RUnlock()

	return saveOrchestrators(e.storagePath, table)
}

// Create resolves the template, allocates an id, merges variables, and
// persists the initial record.
func (e *Engine) Create(req CreateRequest) (*Orchestrator, error) {
	resolved, err := e.templates.GetTemplate(req.TemplateID)
	if err != nil {
		return nil, err
	}

	variables := merge(resolved.Variables, req.CustomVariables)

	orch := &Orchestrator{
		ID:               uuid.New().String(),
		TemplateID:       req.TemplateID,
		Cwd:              req.Cwd,
		Message:          req.Message,
		Status:           StatusCreated,
		Variables:        variables,
		WorkersByTaskID:  make(map[string]string),
		Stats:            Stats{ToolInvocations: make(map[string]int)},
		AutoSpawnWorkers: resolved.Config.AutoSpawnWorkers != nil && *resolved.Config.AutoSpawnWorkers,
		CreatedAt:        time.Now(),
		resolved:         resolved,
	}

	e.mu.Lock()
	e.orchestrators[orch.ID] = orch
	e.mu.Unlock()

	e.publish(events.OrchestratorCreated, orch)
	e.schedulePersist()
	return orch, nil
}

// StartOrchestrator assigns mainSessionId by injecting the rendered analysis
// prompt into a fresh session, then moves to running/analysis.
func (e *Engine) StartOrchestrator(ctx context.Context, orchestratorID string) error {
	orch := e.get(orchestratorID)
	if orch == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if orch.Status != StatusCreated {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.mu.Unlock()

	resolved, rendered, err := e.templates.ResolveAndRender(orch.TemplateID, orch.Variables)
	if err != nil {
		return err
	}

	prompt := analysisPrompt(e.logger, rendered.Analysis, orch.Message)
	sessionID, err := e.runtime.StartSessionWithMessage(ctx, orch.Cwd, prompt, adapter.StartSessionOptions{
		Title: fmt.Sprintf("Orchestrator %s", shortID(orch.ID)),
	})
	if err != nil {
		e.failOrchestrator(orch, fmt.Errorf("orchestrator: start main session: %w", err))
		return err
	}

	e.mu.Lock()
	orch.resolved = resolved
	orch.MainSessionID = sessionID
	orch.Status = StatusRunning
	orch.CurrentPhase = PhaseAnalysis
	orch.StartedAt = time.Now()
	orch.lastProgressAt = orch.StartedAt
	e.mu.Unlock()

	e.watchAsParent(sessionID)
	e.publish(events.OrchestratorStarted, orch)
	e.schedulePersist()
	return nil
}

// ProcessPhase parses *new* content past LastProcessedTranscriptOffset from
// the supplied transcript and dispatches every parsed block by phase.
// The engine's own poll loop is the usual caller, but
// the operation is exposed standalone so a caller that already holds a
// fresher transcript (e.g. a one-off manual re-check) can drive it directly.
func (e *Engine) ProcessPhase(ctx context.Context, orchestratorID string, transcript []adapter.TranscriptEntry) error {
	orch := e.get(orchestratorID)
	if orch == nil {
		return ErrNotFound
	}

	e.mu.RLock()
	offset := orch.LastProcessedTranscriptOffset
	e.mu.RUnlock()
	if offset >= len(transcript) {
		return nil
	}

	newEntries := transcript[offset:]
	for _, entry := range newEntries {
		if entry.Type != "assistant" {
			continue
		}
		text := mainSessionText(entry.Content)
		if text == "" {
			continue
		}
		results := e.parser.ParseMultiple(text)
		if len(results) == 0 {
			if detection := e.parser.Detect(text); detection.Detected {
				e.logger.Debug("no structured response block found on main session; keyword heuristic detected a probable phase",
					zap.String("orchestrator_id", orch.ID),
					zap.String("probable_phase", string(detection.ProbablePhase)),
					zap.Float64("confidence", detection.Confidence))
			}
			continue
		}
		for _, result := range results {
			if err := e.applyPhaseResult(ctx, orch, result); err != nil {
				e.mu.Lock()
				orch.LastProcessedTranscriptOffset = len(transcript)
				e.mu.Unlock()
				e.failOrchestrator(orch, err)
				e.schedulePersist()
				return err
			}
		}
	}

	e.mu.Lock()
	orch.LastProcessedTranscriptOffset = len(transcript)
	orch.lastProgressAt = time.Now()
	e.mu.Unlock()
	e.schedulePersist()
	return nil
}

func (e *Engine) applyPhaseResult(ctx context.Context, orch *Orchestrator, result parser.ParseResult) error {
	switch result.Phase {
	case parser.PhaseAnalysis:
		e.markValidResponse(orch)
		return e.handleAnalysis(ctx, orch, result.Data.(parser.AnalysisPayload))
	case parser.PhaseTaskList:
		e.markValidResponse(orch)
		return e.handleTaskList(ctx, orch, result.Data.(parser.TaskListPayload))
	case parser.PhaseProgress:
		e.markValidResponse(orch)
		e.handleMainChannelProgress(orch, result.Data.(parser.ProgressPayload))
		return nil
	case parser.PhaseCompletion:
		e.markValidResponse(orch)
		e.handleMainChannelCompletion(orch, result.Data.(parser.CompletionPayload))
		return nil
	case parser.PhaseAggregation:
		e.markValidResponse(orch)
		return e.handleAggregation(orch, result.Data.(parser.AggregationPayload))
	default:
		if result.Err != nil {
			e.logger.Warn("response block found but could not be parsed; continuing",
				zap.String("orchestrator_id", orch.ID), zap.Error(result.Err))
		}
		e.checkProtocolStalled(orch)
		return nil
	}
}

// markValidResponse records that a structured response block on orch's main
// session just decoded successfully, resetting the protocol-error silence
// window (see checkProtocolStalled).
func (e *Engine) markValidResponse(orch *Orchestrator) {
	e.mu.Lock()
	orch.lastValidResponseAt = time.Now()
	e.mu.Unlock()
}

// checkProtocolStalled publishes OrchestratorProtocolError only once no
// structured response block has decoded successfully for
// 2 × pollIntervalMs of new main-session transcript (spec §7), mirroring
// checkStalled's 2×workerTimeoutMs gate. A single self-corrected malformed
// block does not by itself trigger the event.
func (e *Engine) checkProtocolStalled(orch *Orchestrator) {
	e.mu.RLock()
	last := orch.lastValidResponseAt
	if last.IsZero() {
		last = orch.StartedAt
	}
	pollMs := 0
	if orch.resolved != nil {
		pollMs = orch.resolved.Config.PollIntervalMs
	}
	e.mu.RUnlock()

	if pollMs <= 0 {
		pollMs = e.poolDefaults.DefaultPollIntervalMs
	}
	if last.IsZero() || time.Since(last) < 2*time.Duration(pollMs)*time.Millisecond {
		return
	}
	e.publish(events.OrchestratorProtocolError, orch)
}

func (e *Engine) handleAnalysis(ctx context.Context, orch *Orchestrator, data parser.AnalysisPayload) error {
	e.mu.Lock()
	if orch.CurrentPhase != PhaseAnalysis {
		e.mu.Unlock()
		return nil // stale or duplicate block; ignore
	}
	orch.Analysis = &AnalysisRecord{
		Summary:             data.Summary,
		RecommendedSplits:   data.RecommendedSplits,
		KeyFiles:            data.KeyFiles,
		EstimatedComplexity: data.EstimatedComplexity,
		Components:          data.Components,
	}
	if !canAdvance(orch.CurrentPhase, PhaseTaskPlanning) {
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	orch.CurrentPhase = PhaseTaskPlanning
	templateID := orch.TemplateID
	variables := orch.Variables
	analysis := orch.Analysis
	sessionID := orch.MainSessionID
	e.mu.Unlock()

	resolved, rendered, err := e.templates.ResolveAndRender(templateID, variables)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve taskPlanning prompt: %w", err)
	}
	e.mu.Lock()
	orch.resolved = resolved
	e.mu.Unlock()

	prompt := taskPlanningPrompt(e.logger, rendered.TaskPlanning, analysis)
	if err := e.runtime.SendMessage(ctx, sessionID, prompt, nil); err != nil {
		return fmt.Errorf("orchestrator: inject taskPlanning prompt: %w", err)
	}
	e.publish(events.OrchestratorAnalysisDone, orch)
	e.publish(events.OrchestratorPhaseChanged, orch)
	return nil
}

func (e *Engine) handleTaskList(ctx context.Context, orch *Orchestrator, data parser.TaskListPayload) error {
	e.mu.Lock()
	if orch.CurrentPhase != PhaseTaskPlanning {
		e.mu.Unlock()
		return nil
	}
	tasks := make([]Task, 0, len(data.Tasks))
	for _, t := range data.Tasks {
		tasks = append(tasks, Task{
			ID:              t.ID,
			Title:           t.Title,
			Description:     t.Description,
			Scope:           t.Scope,
			Priority:        t.Priority,
			Dependencies:    t.Dependencies,
			EstimatedTokens: t.EstimatedTokens,
		})
	}
	orch.Tasks = tasks
	orch.CurrentPhase = PhaseAwaitingConfirmation
	autoSpawn := orch.AutoSpawnWorkers
	e.mu.Unlock()

	e.publish(events.OrchestratorTasksReady, orch)
	e.publish(events.OrchestratorPhaseChanged, orch)

	if autoSpawn {
		return e.ConfirmTasksAndSpawn(ctx, orch.ID, nil)
	}
	return nil
}

func (e *Engine) handleMainChannelProgress(orch *Orchestrator, data parser.ProgressPayload) {
	e.logger.Debug("progress block observed on main channel",
		zap.String("orchestrator_id", orch.ID), zap.String("task_id", data.TaskID))
}

func (e *Engine) handleMainChannelCompletion(orch *Orchestrator, data parser.CompletionPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if data.Status == "success" || data.Status == "partial" {
		orch.Stats.TasksCompleted++
	} else {
		orch.Stats.TasksFailed++
	}
}

func (e *Engine) handleAggregation(orch *Orchestrator, data parser.AggregationPayload) error {
	e.mu.Lock()
	if orch.CurrentPhase != PhaseAggregation {
		e.mu.Unlock()
		return nil
	}
	orch.Status = StatusCompleted
	orch.CurrentPhase = PhaseDone
	orch.CompletedAt = time.Now()
	e.mu.Unlock()

	e.publish(events.OrchestratorCompleted, orch)
	e.recordHistory(orch)
	return nil
}

// ConfirmTasksAndSpawn merges optional task modifications, freezes the task
// list, and delegates spawning to a fresh WorkerPool.
func (e *Engine) ConfirmTasksAndSpawn(ctx context.Context, orchestratorID string, modifications []TaskModification) error {
	orch := e.get(orchestratorID)
	if orch == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if orch.CurrentPhase != PhaseAwaitingConfirmation {
		e.mu.Unlock()
		return ErrNotAwaitingConfirmation
	}
	finalTasks := applyModifications(orch.Tasks, modifications)
	orch.Tasks = finalTasks
	cwd := orch.Cwd
	templateID := orch.TemplateID
	variables := orch.Variables
	e.mu.Unlock()

	resolved, rendered, err := e.templates.ResolveAndRender(templateID, variables)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve worker prompt: %w", err)
	}
	e.mu.Lock()
	orch.resolved = resolved
	e.mu.Unlock()

	pool := e.ensurePool(ctx, orch)

	workerTasks := make([]workerpool.Task, 0, len(finalTasks))
	for _, t := range finalTasks {
		workerTasks = append(workerTasks, workerpool.Task{
			ID: t.ID, Title: t.Title, Description: t.Description,
			Scope: t.Scope, Priority: t.Priority, Dependencies: t.Dependencies,
		})
	}

	renderFor := func(wt workerpool.Task) (string, error) {
		return workerPrompt(e.logger, rendered.Worker, Task{
			ID: wt.ID, Title: wt.Title, Description: wt.Description, Scope: wt.Scope,
		}), nil
	}

	if err := pool.SpawnBatch(orch.ID, cwd, workerTasks, renderFor); err != nil {
		return fmt.Errorf("orchestrator: spawn worker batch: %w", err)
	}

	var spawnedSessionIDs []string
	e.mu.Lock()
	for _, w := range pool.Workers() {
		if w.OrchestratorID == orch.ID {
			orch.WorkersByTaskID[w.TaskID] = w.WorkerID
			spawnedSessionIDs = append(spawnedSessionIDs, w.SessionID)
		}
	}
	orch.CurrentPhase = PhaseWorkerExecution
	e.mu.Unlock()

	for _, sessionID := range spawnedSessionIDs {
		e.watchAsParent(sessionID)
	}

	e.publish(events.OrchestratorPhaseChanged, orch)
	e.schedulePersist()
	return nil
}

// Pause transitions running -> paused and instructs the pool to stop
// accepting new work without interrupting in-flight worker sends.
func (e *Engine) Pause(orchestratorID string) error {
	orch := e.get(orchestratorID)
	if orch == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if orch.Status != StatusRunning {
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	orch.Status = StatusPaused
	e.mu.Unlock()

	if pool := e.poolFor(orchestratorID); pool != nil {
		for _, w := range pool.Workers() {
			if w.OrchestratorID == orchestratorID && w.Status == workerpool.StatusRunning {
				_ = pool.PauseWorker(w.SessionID)
			}
		}
	}

	e.publish(events.OrchestratorPaused, orch)
	e.schedulePersist()
	return nil
}

// Resume is Pause's inverse.
func (e *Engine) Resume(orchestratorID string) error {
	orch := e.get(orchestratorID)
	if orch == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if orch.Status != StatusPaused {
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	orch.Status = StatusRunning
	e.mu.Unlock()

	if pool := e.poolFor(orchestratorID); pool != nil {
		for _, w := range pool.Workers() {
			if w.OrchestratorID == orchestratorID && w.Status == workerpool.StatusPaused {
				_ = pool.ResumeWorker(w.SessionID)
			}
		}
	}

	e.publish(events.OrchestratorResumed, orch)
	e.schedulePersist()
	return nil
}

// Cancel transitions to cancelled, instructs the pool to cancel every
// non-terminal worker, and cleans up worker sessions (archive or delete).
func (e *Engine) Cancel(ctx context.Context, orchestratorID string, archive bool) error {
	orch := e.get(orchestratorID)
	if orch == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	if orch.Status.IsTerminal() {
		e.mu.Unlock()
		return ErrInvalidTransition
	}
	orch.Status = StatusCancelled
	orch.CompletedAt = time.Now()
	e.mu.Unlock()

	if pool := e.poolFor(orchestratorID); pool != nil {
		for _, w := range pool.Workers() {
			if w.OrchestratorID == orchestratorID && !w.Status.IsTerminal() {
				_ = pool.CancelWorker(ctx, w.SessionID)
			}
		}
		if err := pool.Cleanup(ctx, orchestratorID, archive); err != nil {
			e.logger.Warn("cleanup encountered errors", zap.String("orchestrator_id", orchestratorID), zap.Error(err))
		}
		_ = pool.Stop()
		e.mu.Lock()
		delete(e.pools, orchestratorID)
		e.mu.Unlock()
	}

	e.publish(events.OrchestratorCancelled, orch)
	e.recordHistory(orch)
	e.schedulePersist()
	return nil
}

// PauseWorker pauses a single worker within orchestratorID's pool, leaving
// the rest of the batch running.
func (e *Engine) PauseWorker(orchestratorID, sessionID string) error {
	pool := e.poolFor(orchestratorID)
	if pool == nil {
		return ErrNotFound
	}
	return pool.PauseWorker(sessionID)
}

// ResumeWorker is PauseWorker's inverse.
func (e *Engine) ResumeWorker(orchestratorID, sessionID string) error {
	pool := e.poolFor(orchestratorID)
	if pool == nil {
		return ErrNotFound
	}
	return pool.ResumeWorker(sessionID)
}

// CancelWorker interrupts and terminates a single worker, leaving the rest
// of orchestratorID's batch untouched.
func (e *Engine) CancelWorker(ctx context.Context, orchestratorID, sessionID string) error {
	pool := e.poolFor(orchestratorID)
	if pool == nil {
		return ErrNotFound
	}
	return pool.CancelWorker(ctx, sessionID)
}

// RetryWorker re-renders the worker prompt for the failed/timed-out task at
// sessionID and spawns a fresh worker for it, so the UI can offer per-task
// retry without restarting the whole orchestrator.
func (e *Engine) RetryWorker(orchestratorID, sessionID string) (*workerpool.Worker, error) {
	orch := e.get(orchestratorID)
	if orch == nil {
		return nil, ErrNotFound
	}
	pool := e.poolFor(orchestratorID)
	if pool == nil {
		return nil, ErrNotFound
	}

	e.mu.RLock()
	templateID := orch.TemplateID
	variables := orch.Variables
	cwd := orch.Cwd
	e.mu.RUnlock()

	resolved, rendered, err := e.templates.ResolveAndRender(templateID, variables)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve retry prompt: %w", err)
	}
	e.mu.Lock()
	orch.resolved = resolved
	e.mu.Unlock()

	promptForTask := func(wt workerpool.Task) (string, error) {
		return workerPrompt(e.logger, rendered.Worker, Task{
			ID: wt.ID, Title: wt.Title, Description: wt.Description, Scope: wt.Scope,
		}), nil
	}

	worker, err := pool.RetryWorker(sessionID, cwd, promptForTask)
	if err != nil {
		return nil, err
	}
	e.schedulePersist()
	return worker, nil
}

// RearmOrchestrator re-attaches main-session polling for a non-terminal
// orchestrator loaded from disk at startup; monitoring never resumes on its
// own. It does not reconstruct per-worker WorkerPool state for an in-flight
// workerExecution phase: the host's worker sessions remain visible and
// resumable through the adapter regardless, but this engine's own Worker
// records for them are gone after a restart.
func (e *Engine) RearmOrchestrator(orchestratorID string) error {
	orch := e.get(orchestratorID)
	if orch == nil {
		return ErrNotFound
	}
	if orch.Status.IsTerminal() {
		return ErrInvalidTransition
	}

	if orch.resolved == nil {
		resolved, err := e.templates.GetTemplate(orch.TemplateID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		orch.resolved = resolved
		e.mu.Unlock()
	}

	if orch.CurrentPhase == PhaseWorkerExecution {
		e.ensurePool(context.Background(), orch)
	}

	e.mu.Lock()
	orch.lastProgressAt = time.Now()
	e.mu.Unlock()

	e.logger.Info("orchestrator rearmed", zap.String("orchestrator_id", orchestratorID))
	return nil
}

// pollLoop drives main-session processing and the aggregation trigger.
func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(mainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollAllMainSessions(ctx)
		}
	}
}

func (e *Engine) pollAllMainSessions(ctx context.Context) {
	for _, orch := range e.snapshotRunning() {
		switch orch.CurrentPhase {
		case PhaseAnalysis, PhaseTaskPlanning, PhaseAggregation:
			if e.checkStalled(orch) {
				continue
			}
			transcript, err := e.runtime.GetTranscript(ctx, orch.MainSessionID)
			if err != nil {
				e.logger.Warn("failed to poll main session transcript",
					zap.String("orchestrator_id", orch.ID), zap.Error(err))
				continue
			}
			_ = e.ProcessPhase(ctx, orch.ID, transcript)
		case PhaseWorkerExecution:
			e.checkAggregationTrigger(ctx, orch)
		}
	}
}

// checkStalled moves orch to error when no new main-session content or
// phase advancement has been observed for twice its worker timeout.
func (e *Engine) checkStalled(orch *Orchestrator) bool {
	e.mu.RLock()
	lastProgress := orch.lastProgressAt
	timeoutMs := 0
	if orch.resolved != nil {
		timeoutMs = orch.resolved.Config.WorkerTimeoutMs
	}
	e.mu.RUnlock()

	if lastProgress.IsZero() {
		return false
	}
	if timeoutMs <= 0 {
		timeoutMs = e.poolDefaults.DefaultWorkerTimeoutMs
	}
	stallAfter := 2 * time.Duration(timeoutMs) * time.Millisecond
	if time.Since(lastProgress) <= stallAfter {
		return false
	}
	e.failOrchestrator(orch, fmt.Errorf("orchestrator: no progress observed for %s", stallAfter))
	return true
}

// checkAggregationTrigger injects the aggregation prompt once every worker
// belonging to orch has reached a terminal state.
func (e *Engine) checkAggregationTrigger(ctx context.Context, orch *Orchestrator) {
	pool := e.poolFor(orch.ID)
	if pool == nil || !pool.AllTerminal(orch.ID) {
		return
	}

	e.mu.Lock()
	if orch.CurrentPhase != PhaseWorkerExecution {
		e.mu.Unlock()
		return
	}
	orch.CurrentPhase = PhaseAggregation
	orch.lastProgressAt = time.Now()
	summaries := buildWorkerSummaries(pool.Workers(), orch.ID, orch.Tasks)
	templateID := orch.TemplateID
	variables := orch.Variables
	sessionID := orch.MainSessionID
	e.mu.Unlock()

	resolved, rendered, err := e.templates.ResolveAndRender(templateID, variables)
	if err != nil {
		e.failOrchestrator(orch, fmt.Errorf("orchestrator: resolve aggregation prompt: %w", err))
		return
	}
	e.mu.Lock()
	orch.resolved = resolved
	e.mu.Unlock()

	prompt := aggregationPrompt(e.logger, rendered.Aggregation, summaries)
	if err := e.runtime.SendMessage(ctx, sessionID, prompt, nil); err != nil {
		e.failOrchestrator(orch, fmt.Errorf("orchestrator: inject aggregation prompt: %w", err))
		return
	}
	e.publish(events.OrchestratorPhaseChanged, orch)
	e.schedulePersist()
}

// buildWorkerSummaries condenses terminal workers into the aggregation
// prompt's per-task summary lines.
func buildWorkerSummaries(workers []*workerpool.Worker, orchestratorID string, tasks []Task) []WorkerSummary {
	owned := lo.Filter(workers, func(w *workerpool.Worker, _ int) bool {
		return w.OrchestratorID == orchestratorID
	})
	titleByTaskID := make(map[string]string, len(tasks))
	for _, t := range tasks {
		titleByTaskID[t.ID] = t.Title
	}
	return lo.Map(owned, func(w *workerpool.Worker, _ int) WorkerSummary {
		title := titleByTaskID[w.TaskID]
		if title == "" {
			title = w.TaskID
		}
		return WorkerSummary{TaskTitle: title, Status: string(w.Status), Output: w.Output}
	})
}

func applyModifications(tasks []Task, mods []TaskModification) []Task {
	if len(mods) == 0 {
		return tasks
	}
	byID := make(map[string]TaskModification, len(mods))
	for _, m := range mods {
		byID[m.TaskID] = m
	}

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		mod, ok := byID[t.ID]
		if !ok {
			out = append(out, t)
			continue
		}
		if mod.Drop {
			continue
		}
		if mod.Title != "" {
			t.Title = mod.Title
		}
		if mod.Scope != "" {
			t.Scope = mod.Scope
		}
		out = append(out, t)
	}
	return out
}

// ensurePool lazily constructs and starts the WorkerPool backing orch's
// worker batch, converting the resolved template's config into the pool's
// own Config shape.
func (e *Engine) ensurePool(ctx context.Context, orch *Orchestrator) *workerpool.WorkerPool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pool, ok := e.pools[orch.ID]; ok {
		return pool
	}

	cfg := convertPoolConfig(orch.resolved.Config, e.poolDefaults)
	pool := workerpool.NewPool(cfg, e.runtime, e.parser, e.bus, e.logger)
	e.pools[orch.ID] = pool
	if err := pool.Start(ctx); err != nil {
		e.logger.Error("failed to start worker pool", zap.String("orchestrator_id", orch.ID), zap.Error(err))
	}
	return pool
}

func convertPoolConfig(tc templates.TemplateConfig, defaults config.WorkerPoolConfig) workerpool.Config {
	maxWorkers := tc.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaults.DefaultMaxWorkers
	}
	pollMs := tc.PollIntervalMs
	if pollMs <= 0 {
		pollMs = defaults.DefaultPollIntervalMs
	}
	timeoutMs := tc.WorkerTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaults.DefaultWorkerTimeoutMs
	}
	retryMax := tc.RetryMax
	if retryMax <= 0 {
		retryMax = defaults.DefaultRetryMax
	}

	return workerpool.Config{
		MaxWorkers:    maxWorkers,
		PollInterval:  time.Duration(pollMs) * time.Millisecond,
		WorkerTimeout: time.Duration(timeoutMs) * time.Millisecond,
		RetryMax:      retryMax,
		// RetryDelay left at zero: a retried task re-enters the queue
		// immediately (see workerpool.Config.RetryDelay).
	}
}

func (e *Engine) poolFor(orchestratorID string) *workerpool.WorkerPool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pools[orchestratorID]
}

func (e *Engine) snapshotPools() []*workerpool.WorkerPool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*workerpool.WorkerPool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p)
	}
	return out
}

// Get returns the orchestrator record for id, or nil if unknown.
func (e *Engine) Get(orchestratorID string) *Orchestrator {
	return e.get(orchestratorID)
}

func (e *Engine) get(orchestratorID string) *Orchestrator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orchestrators[orchestratorID]
}

// List returns a snapshot of every orchestrator the engine knows about.
func (e *Engine) List() []*Orchestrator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Orchestrator, 0, len(e.orchestrators))
	for _, o := range e.orchestrators {
		out = append(out, o)
	}
	return out
}

func (e *Engine) snapshotRunning() []*Orchestrator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Orchestrator, 0)
	for _, o := range e.orchestrators {
		if o.Status == StatusRunning {
			out = append(out, o)
		}
	}
	return out
}

// failOrchestrator moves orch to the error status with a captured reason;
// partial state is preserved.
func (e *Engine) failOrchestrator(orch *Orchestrator, cause error) {
	e.mu.Lock()
	orch.Status = StatusError
	orch.ErrorReason = cause.Error()
	orch.CompletedAt = time.Now()
	e.mu.Unlock()

	e.logger.Error("orchestrator moved to error status",
		zap.String("orchestrator_id", orch.ID), zap.Error(cause))
	e.publish(events.OrchestratorError, orch)
	e.recordHistory(orch)
	e.schedulePersist()
}

// recordHistory best-effort writes a HistoryRecord once orch has reached a
// terminal status. Nil-safe: absence of a recorder changes nothing.
func (e *Engine) recordHistory(orch *Orchestrator) {
	e.mu.RLock()
	hr := e.historyRecorder
	e.mu.RUnlock()
	if hr == nil {
		return
	}

	record := HistoryRecord{
		OrchestratorID: orch.ID,
		TemplateID:     orch.TemplateID,
		FinalStatus:    orch.Status,
		TaskCount:      len(orch.Tasks),
		FailureReason:  orch.ErrorReason,
		StartedAt:      orch.StartedAt,
		CompletedAt:    orch.CompletedAt,
	}
	go func() {
		if err := hr.Record(record); err != nil {
			e.logger.Warn("history record failed", zap.String("orchestrator_id", orch.ID), zap.Error(err))
		}
	}()
}

func (e *Engine) publish(subject string, orch *Orchestrator) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"orchestratorId": orch.ID,
		"status":         string(orch.Status),
		"currentPhase":   string(orch.CurrentPhase),
	}
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.logger.Warn("failed to publish orchestrator event", zap.String("subject", subject), zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// mainSessionText mirrors workerpool's contentText: it extracts plain text
// from a transcript entry's content, which the host represents either as a
// bare string or a list of structured content blocks.
func mainSessionText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var out string
		for _, raw := range v {
			block, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				out += text
			}
		}
		return out
	default:
		return ""
	}
}
