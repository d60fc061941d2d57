package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kdlbs/conductor/internal/adapter"
	"github.com/kdlbs/conductor/internal/events"
	"github.com/kdlbs/conductor/internal/events/bus"
	"github.com/kdlbs/conductor/internal/parser"
	"github.com/kdlbs/conductor/internal/platform/log"
)

// sessionRuntime is the subset of the RemoteRuntimeAdapter the pool needs.
// Narrowing to an interface keeps the pool testable against a fake.
type sessionRuntime interface {
	GetTranscript(ctx context.Context, sessionID string) ([]adapter.TranscriptEntry, error)
	SendMessage(ctx context.Context, sessionID, text string, attachments []string) error
	StartSessionWithMessage(ctx context.Context, cwd, text string, opts adapter.StartSessionOptions) (string, error)
	ArchiveSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Config bounds a single WorkerPool's concurrency and timing, sourced from
// a resolved template's config fields.
type Config struct {
	MaxWorkers    int
	PollInterval  time.Duration
	WorkerTimeout time.Duration
	RetryMax      int
	// RetryDelay is the pause before a retried task re-enters the queue.
	// Zero means enqueue immediately.
	RetryDelay time.Duration
}

// WorkerPool manages bounded-concurrency worker sessions for one running
// orchestrator's task batch.
type WorkerPool struct {
	runtime sessionRuntime
	parser  *parser.Parser
	bus     bus.EventBus
	logger  *log.Logger

	mu      sync.RWMutex
	cfg     Config
	queue   *taskQueue
	workers map[string]*Worker // keyed by WorkerID
	active  int32

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPool constructs a WorkerPool. cfg is normally the template's resolved
// worker-pool config for the orchestrator this pool serves.
func NewPool(cfg Config, runtime sessionRuntime, prsr *parser.Parser, eventBus bus.EventBus, logger *log.Logger) *WorkerPool {
	return &WorkerPool{
		runtime: runtime,
		parser:  prsr,
		bus:     eventBus,
		logger:  logger.WithFields(zap.String("component", "workerpool")),
		cfg:     cfg,
		queue:   newTaskQueue(),
		workers: make(map[string]*Worker),
	}
}

// Start begins the poll loop.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolAlreadyRunning
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("worker pool starting",
		zap.Int("max_workers", p.cfg.MaxWorkers),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	p.wg.Add(1)
	go p.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// SpawnBatch enqueues every task in the batch for eventual spawning; the
// pool drains the queue as capacity (cfg.MaxWorkers) allows. promptForTask
// renders the worker prompt for one task (variables ∪ task-bindings); it is
// the orchestrator's responsibility, not the pool's, since rendering needs
// the resolved template and orchestrator-level variables.
func (p *WorkerPool) SpawnBatch(orchestratorID, cwd string, tasks []Task, promptForTask func(Task) (string, error)) error {
	for _, task := range tasks {
		prompt, err := promptForTask(task)
		if err != nil {
			return fmt.Errorf("workerpool: render prompt for task %s: %w", task.ID, err)
		}

		w := &Worker{
			WorkerID:       uuid.New().String(),
			OrchestratorID: orchestratorID,
			TaskID:         task.ID,
			Status:         StatusQueued,
			ToolStats:      make(map[string]int),
			task:           task,
		}

		p.mu.Lock()
		p.workers[w.WorkerID] = w
		p.mu.Unlock()

		if err := p.queue.enqueue(&queuedTask{
			task:           task,
			orchestratorID: orchestratorID,
			cwd:            cwd,
			workerPrompt:   prompt,
		}); err != nil {
			p.logger.Error("failed to enqueue task", zap.String("task_id", task.ID), zap.Error(err))
			return err
		}
	}

	p.logger.Info("spawned batch", zap.String("orchestrator_id", orchestratorID), zap.Int("tasks", len(tasks)))
	return nil
}

// Workers returns a snapshot of every worker this pool has ever created.
func (p *WorkerPool) Workers() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// AllTerminal reports whether every worker belonging to orchestratorID has
// reached a terminal status, the OrchestratorManager's aggregation trigger.
func (p *WorkerPool) AllTerminal(orchestratorID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	found := false
	for _, w := range p.workers {
		if w.OrchestratorID != orchestratorID {
			continue
		}
		found = true
		if !w.Status.IsTerminal() {
			return false
		}
	}
	return found
}

func (p *WorkerPool) findBySessionID(sessionID string) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, w := range p.workers {
		if w.SessionID == sessionID {
			return w
		}
	}
	return nil
}

// PauseWorker flips a running worker to paused; the poller skips paused
// workers until ResumeWorker is called.
func (p *WorkerPool) PauseWorker(sessionID string) error {
	w := p.findBySessionID(sessionID)
	if w == nil {
		return ErrWorkerNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w.Status != StatusRunning {
		return ErrInvalidTransition
	}
	w.Status = StatusPaused
	return nil
}

// ResumeWorker flips a paused worker back to running.
func (p *WorkerPool) ResumeWorker(sessionID string) error {
	w := p.findBySessionID(sessionID)
	if w == nil {
		return ErrWorkerNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w.Status != StatusPaused {
		return ErrInvalidTransition
	}
	w.Status = StatusRunning
	return nil
}

// CancelWorker sends a best-effort interrupt message and marks the worker
// cancelled; polling stops regardless of whether the interrupt lands.
func (p *WorkerPool) CancelWorker(ctx context.Context, sessionID string) error {
	w := p.findBySessionID(sessionID)
	if w == nil {
		return ErrWorkerNotFound
	}

	p.mu.Lock()
	if w.Status.IsTerminal() {
		p.mu.Unlock()
		return ErrInvalidTransition
	}
	wasActive := w.Status == StatusRunning || w.Status == StatusPaused
	w.Status = StatusCancelled
	w.CompletedAt = time.Now()
	p.mu.Unlock()

	if sessionID != "" {
		if err := p.runtime.SendMessage(ctx, sessionID, "[Request interrupted by user]", nil); err != nil {
			p.logger.Warn("best-effort cancel interrupt failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if wasActive {
		atomic.AddInt32(&p.active, -1)
	}

	p.publish(events.WorkerCancelled, w)
	return nil
}

// RetryWorker creates a fresh worker for the same task when the original
// ended in failed or timeout and the template's retryMax has not been
// reached. The old record is preserved with a ".retry<n>" suffix on its
// WorkerID so history isn't overwritten.
func (p *WorkerPool) RetryWorker(sessionID string, cwd string, promptForTask func(Task) (string, error)) (*Worker, error) {
	w := p.findBySessionID(sessionID)
	if w == nil {
		return nil, ErrWorkerNotFound
	}

	p.mu.Lock()
	if w.Status != StatusFailed && w.Status != StatusTimeout {
		p.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	if w.RetryCount >= p.cfg.RetryMax {
		p.mu.Unlock()
		return nil, ErrRetryLimitExceeded
	}
	retryCount := w.RetryCount + 1
	task := w.task
	orchestratorID := w.OrchestratorID
	oldID := w.WorkerID
	delete(p.workers, oldID)
	w.WorkerID = fmt.Sprintf("%s.retry%d", oldID, retryCount-1)
	p.workers[w.WorkerID] = w
	p.mu.Unlock()

	prompt, err := promptForTask(task)
	if err != nil {
		return nil, fmt.Errorf("workerpool: render retry prompt for task %s: %w", task.ID, err)
	}

	fresh := &Worker{
		WorkerID:       uuid.New().String(),
		OrchestratorID: orchestratorID,
		TaskID:         task.ID,
		Status:         StatusQueued,
		RetryCount:     retryCount,
		ToolStats:      make(map[string]int),
		task:           task,
	}

	p.mu.Lock()
	p.workers[fresh.WorkerID] = fresh
	p.mu.Unlock()

	qt := &queuedTask{
		task:           task,
		orchestratorID: orchestratorID,
		cwd:            cwd,
		workerPrompt:   prompt,
	}

	if p.cfg.RetryDelay <= 0 {
		if err := p.queue.enqueue(qt); err != nil {
			return nil, err
		}
	} else {
		// Delay-then-enqueue. retry-go supplies the structured delay and
		// logging hook here; retryMax enforcement already happened above,
		// so this loop always succeeds on its second attempt.
		go p.delayedEnqueue(qt, task.ID, retryCount)
	}

	p.logger.Info("retrying worker",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", retryCount))
	return fresh, nil
}

func (p *WorkerPool) delayedEnqueue(qt *queuedTask, taskID string, retryAttempt int) {
	attempt := 0
	err := retry.Do(func() error {
		attempt++
		if attempt == 1 {
			return fmt.Errorf("workerpool: waiting out retry delay for task %s", taskID)
		}
		return p.queue.enqueue(qt)
	},
		retry.Attempts(2),
		retry.Delay(p.cfg.RetryDelay),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("task re-enqueue scheduled",
				zap.String("task_id", taskID), zap.Int("retry_attempt", retryAttempt))
		}),
	)
	if err != nil {
		p.logger.Error("failed to re-enqueue task for retry",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// Cleanup archives (or deletes) every session belonging to orchestratorID
// and drops their worker records.
func (p *WorkerPool) Cleanup(ctx context.Context, orchestratorID string, archive bool) error {
	p.mu.Lock()
	var toClean []*Worker
	for id, w := range p.workers {
		if w.OrchestratorID != orchestratorID {
			continue
		}
		toClean = append(toClean, w)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	var firstErr error
	for _, w := range toClean {
		if w.SessionID == "" {
			continue
		}
		var err error
		if archive {
			err = p.runtime.ArchiveSession(ctx, w.SessionID)
		} else {
			err = p.runtime.DeleteSession(ctx, w.SessionID)
		}
		if err != nil {
			p.logger.Error("failed to clean up worker session",
				zap.String("session_id", w.SessionID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *WorkerPool) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainQueue(ctx)
			p.pollWorkers(ctx)
		}
	}
}

// drainQueue spawns queued tasks while the pool has spare capacity.
func (p *WorkerPool) drainQueue(ctx context.Context) {
	for atomic.LoadInt32(&p.active) < int32(p.cfg.MaxWorkers) {
		qt := p.queue.dequeue()
		if qt == nil {
			return
		}
		p.spawn(ctx, qt)
	}
}

func (p *WorkerPool) spawn(ctx context.Context, qt *queuedTask) {
	w := p.findByTaskID(qt.orchestratorID, qt.task.ID)
	if w == nil {
		p.logger.Error("spawn: no worker record for queued task", zap.String("task_id", qt.task.ID))
		return
	}

	p.mu.Lock()
	w.Status = StatusSpawning
	p.mu.Unlock()

	sessionName := fmt.Sprintf("__orch_%s_worker_%s", qt.orchestratorID, qt.task.ID)
	sessionID, err := p.runtime.StartSessionWithMessage(ctx, qt.cwd, qt.workerPrompt, adapter.StartSessionOptions{Title: sessionName})
	if err != nil {
		p.logger.Error("failed to spawn worker session",
			zap.String("task_id", qt.task.ID), zap.Error(err))
		p.mu.Lock()
		w.Status = StatusFailed
		w.CompletedAt = time.Now()
		retryCount := w.RetryCount
		p.mu.Unlock()
		p.publish(events.WorkerFailed, w)

		// Spawn-level adapter failure: the task moves to the tail of the
		// queue for another attempt unless retryMax is already spent.
		if retryCount < p.cfg.RetryMax {
			fresh := &Worker{
				WorkerID:       uuid.New().String(),
				OrchestratorID: qt.orchestratorID,
				TaskID:         qt.task.ID,
				Status:         StatusQueued,
				RetryCount:     retryCount + 1,
				ToolStats:      make(map[string]int),
				task:           qt.task,
			}
			p.mu.Lock()
			p.workers[fresh.WorkerID] = fresh
			p.mu.Unlock()
			if qErr := p.queue.enqueue(qt); qErr != nil {
				p.logger.Error("failed to requeue task after spawn failure",
					zap.String("task_id", qt.task.ID), zap.Error(qErr))
			}
		}
		return
	}

	atomic.AddInt32(&p.active, 1)

	p.mu.Lock()
	w.SessionID = sessionID
	w.Status = StatusRunning
	w.StartedAt = time.Now()
	p.mu.Unlock()

	p.publish(events.WorkerSpawned, w)
}

func (p *WorkerPool) findByTaskID(orchestratorID, taskID string) *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, w := range p.workers {
		if w.OrchestratorID == orchestratorID && w.TaskID == taskID && w.Status == StatusQueued {
			return w
		}
	}
	return nil
}

// pollWorkers polls every running worker concurrently: per-worker state
// mutations are serialized on that worker only (pollOne locks p.mu for its
// own worker's fields), so concurrent polling is safe and matches the
// spec's "multiple workers may emit progress concurrently" ordering.
func (p *WorkerPool) pollWorkers(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, w := range p.Workers() {
		if w.Status != StatusRunning {
			continue
		}
		w := w
		group.Go(func() error {
			p.pollOne(groupCtx, w)
			return nil
		})
	}
	_ = group.Wait()
}

func (p *WorkerPool) pollOne(ctx context.Context, w *Worker) {
	if time.Since(w.StartedAt) > p.cfg.WorkerTimeout {
		p.terminate(ctx, w, StatusTimeout)
		return
	}

	entries, err := p.runtime.GetTranscript(ctx, w.SessionID)
	if err != nil {
		p.mu.Lock()
		w.ConsecutivePollFailures++
		failures := w.ConsecutivePollFailures
		p.mu.Unlock()

		p.logger.Warn("poll failed",
			zap.String("session_id", w.SessionID), zap.Int("consecutive_failures", failures), zap.Error(err))

		if failures >= maxConsecutivePollFailures {
			p.terminate(ctx, w, StatusFailed)
		}
		return
	}

	p.mu.Lock()
	w.ConsecutivePollFailures = 0
	w.LastPolledAt = time.Now()
	p.mu.Unlock()

	if w.TranscriptCursor >= len(entries) {
		return
	}
	newEntries := entries[w.TranscriptCursor:]
	p.mu.Lock()
	w.TranscriptCursor = len(entries)
	p.mu.Unlock()

	for _, entry := range newEntries {
		p.countToolUse(w, entry)

		if entry.Type != "assistant" {
			continue
		}
		text := contentText(entry.Content)
		if text == "" {
			continue
		}

		results := p.parser.ParseMultiple(text)
		if len(results) == 0 {
			if detection := p.parser.Detect(text); detection.Detected {
				p.mu.Lock()
				w.LastDetection = detection
				p.mu.Unlock()
				p.logger.Debug("no structured response block found; keyword heuristic detected a probable phase",
					zap.String("session_id", w.SessionID),
					zap.String("probable_phase", string(detection.ProbablePhase)),
					zap.Float64("confidence", detection.Confidence))
			}
			continue
		}
		for _, result := range results {
			p.applyResult(ctx, w, result)
		}
	}
}

func (p *WorkerPool) applyResult(ctx context.Context, w *Worker, result parser.ParseResult) {
	switch result.Phase {
	case parser.PhaseProgress:
		progress := result.Data.(parser.ProgressPayload)
		p.mu.Lock()
		w.ProgressPct = progress.ProgressPercent
		w.CurrentAction = progress.CurrentAction
		p.mu.Unlock()
		p.publish(events.WorkerProgress, w)

	case parser.PhaseCompletion:
		completion := result.Data.(parser.CompletionPayload)
		p.mu.Lock()
		w.Output = completion.Output
		if w.Output == "" {
			w.Output = completion.Summary
		}
		w.OutputFiles = completion.OutputFiles
		w.CompletedAt = time.Now()
		switch completion.Status {
		case "success", "partial":
			w.Status = StatusCompleted
		case "timeout":
			w.Status = StatusTimeout
		default:
			w.Status = StatusFailed
		}
		finalStatus := w.Status
		p.mu.Unlock()

		atomic.AddInt32(&p.active, -1)
		if finalStatus == StatusCompleted {
			p.publish(events.WorkerCompleted, w)
		} else {
			p.publish(events.WorkerFailed, w)
		}

	default:
		if result.Err != nil {
			p.logger.Warn("response block found but could not be parsed; continuing",
				zap.String("session_id", w.SessionID), zap.Error(result.Err))
		}
	}
}

func (p *WorkerPool) terminate(ctx context.Context, w *Worker, status Status) {
	p.mu.Lock()
	if w.Status.IsTerminal() {
		p.mu.Unlock()
		return
	}
	w.Status = status
	w.CompletedAt = time.Now()
	p.mu.Unlock()

	atomic.AddInt32(&p.active, -1)

	if w.SessionID != "" {
		if err := p.runtime.SendMessage(ctx, w.SessionID, "[Request interrupted by user]", nil); err != nil {
			p.logger.Warn("best-effort terminate interrupt failed",
				zap.String("session_id", w.SessionID), zap.Error(err))
		}
	}

	if status == StatusTimeout {
		p.publish(events.WorkerTimeout, w)
	} else {
		p.publish(events.WorkerFailed, w)
	}
}

// countToolUse updates per-tool invocation counts from an assistant
// transcript entry's structured content blocks.
func (p *WorkerPool) countToolUse(w *Worker, entry adapter.TranscriptEntry) {
	blocks, ok := entry.Content.([]interface{})
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if block["type"] != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		if name == "" {
			name = "unknown"
		}
		w.ToolStats[name]++
	}
}

func contentText(content interface{}) string {
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

func (p *WorkerPool) publish(subject string, w *Worker) {
	if p.bus == nil {
		return
	}

	data := map[string]interface{}{
		"workerId":        w.WorkerID,
		"orchestratorId":  w.OrchestratorID,
		"taskId":          w.TaskID,
		"sessionId":       w.SessionID,
		"status":          string(w.Status),
		"progressPercent": w.ProgressPct,
	}

	event := bus.NewEvent(subject, "workerpool", data)
	if err := p.bus.Publish(context.Background(), subject, event); err != nil {
		p.logger.Warn("failed to publish worker event", zap.String("subject", subject), zap.Error(err))
	}
}
