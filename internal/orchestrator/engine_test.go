package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/conductor/internal/adapter"
	"github.com/kdlbs/conductor/internal/events/bus"
	"github.com/kdlbs/conductor/internal/parser"
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
	"github.com/kdlbs/conductor/internal/templates"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.New(log.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return logger
}

func newTestTemplateService(t *testing.T, tmpl *templates.Template) *templates.Service {
	t.Helper()
	store := templates.NewStore(t.TempDir(), newTestLogger(t))
	require.NoError(t, store.Load())
	if tmpl != nil {
		require.NoError(t, store.CreateTemplate(tmpl))
	}
	return templates.NewService(store, newTestLogger(t))
}

// sentinelHint satisfies the store's prompts-must-mention-the-sentinels
// validation without cluttering per-test prompt assertions.
const sentinelHint = "Respond inside " + parser.BlockOpen + " ... " + parser.BlockClose

func testTemplate(id string) *templates.Template {
	return &templates.Template{
		ID:   id,
		Name: "test template",
		Config: templates.TemplateConfig{
			MaxWorkers:      2,
			PollIntervalMs:  50,
			WorkerTimeoutMs: 5000,
			RetryMax:        1,
		},
		Prompts: templates.TemplatePrompts{
			Analysis:     "analyze {USER_REQUEST}\n" + sentinelHint,
			TaskPlanning: "plan from {ANALYSIS_SUMMARY}, splits={RECOMMENDED_SPLITS}\n" + sentinelHint,
			Worker:       "do {TASK_TITLE}: {TASK_DESCRIPTION}\n" + sentinelHint,
			Aggregation:  "merge:\n{WORKER_SUMMARIES}\n" + sentinelHint,
		},
	}
}

type fakeRuntime struct {
	mu          sync.Mutex
	nextSession int
	transcripts map[string][]adapter.TranscriptEntry
	sent        []string
	archived    []string
	deleted     []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{transcripts: make(map[string][]adapter.TranscriptEntry)}
}

func (f *fakeRuntime) StartSessionWithMessage(ctx context.Context, cwd, text string, opts adapter.StartSessionOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSession++
	id := fmt.Sprintf("session-%d", f.nextSession)
	f.transcripts[id] = []adapter.TranscriptEntry{{Type: "user", Content: text}}
	f.sent = append(f.sent, text)
	return id, nil
}

func (f *fakeRuntime) GetTranscript(ctx context.Context, sessionID string) ([]adapter.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.TranscriptEntry{}, f.transcripts[sessionID]...), nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, sessionID, text string, attachments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.transcripts[sessionID] = append(f.transcripts[sessionID], adapter.TranscriptEntry{Type: "user", Content: text})
	return nil
}

func (f *fakeRuntime) ArchiveSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, sessionID)
	return nil
}

func (f *fakeRuntime) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeRuntime) pushAssistant(sessionID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[sessionID] = append(f.transcripts[sessionID], adapter.TranscriptEntry{Type: "assistant", Content: text})
}

func newTestEngine(t *testing.T, runtime runtimeClient, tmplSvc *templates.Service) *Engine {
	t.Helper()
	storagePath := filepath.Join(t.TempDir(), "orchestrators.json")
	poolDefaults := config.WorkerPoolConfig{
		DefaultMaxWorkers: 2, DefaultPollIntervalMs: 50, DefaultWorkerTimeoutMs: 5000, DefaultRetryMax: 1,
	}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	t.Cleanup(eventBus.Close)
	return NewEngine(storagePath, poolDefaults, runtime, tmplSvc, parser.New(), eventBus, newTestLogger(t))
}

func TestCreateResolvesTemplateAndStoresVariables(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	engine := newTestEngine(t, newFakeRuntime(), svc)

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, orch.Status)
	assert.NotEmpty(t, orch.ID)
	assert.NotNil(t, orch.Resolved())
}

func TestStartOrchestratorInjectsAnalysisPromptAndAdvancesPhase(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()
	engine := newTestEngine(t, runtime, svc)

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "build a thing"})
	require.NoError(t, err)

	require.NoError(t, engine.StartOrchestrator(context.Background(), orch.ID))

	got := engine.Get(orch.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, PhaseAnalysis, got.CurrentPhase)
	assert.NotEmpty(t, got.MainSessionID)
	require.Len(t, runtime.sent, 1)
	assert.Contains(t, runtime.sent[0], "build a thing")
}

func TestStartOrchestratorRejectsDoubleStart(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()
	engine := newTestEngine(t, runtime, svc)

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "x"})
	require.NoError(t, err)
	require.NoError(t, engine.StartOrchestrator(context.Background(), orch.ID))

	err = engine.StartOrchestrator(context.Background(), orch.ID)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func analysisBlock(summary string, splits int) string {
	return fmt.Sprintf(`<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "analysis", "summary": %q, "recommended_splits": %d}
<<<END_ORCHESTRATOR_RESPONSE>>>`, summary, splits)
}

func taskListBlock() string {
	return `<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "task_list", "tasks": [{"id": "t1", "title": "First", "description": "do first"}, {"id": "t2", "title": "Second", "description": "do second"}]}
<<<END_ORCHESTRATOR_RESPONSE>>>`
}

func TestProcessPhaseAnalysisToTaskPlanning(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()
	engine := newTestEngine(t, runtime, svc)

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "x"})
	require.NoError(t, err)
	require.NoError(t, engine.StartOrchestrator(context.Background(), orch.ID))

	runtime.pushAssistant(engine.Get(orch.ID).MainSessionID, analysisBlock("looks good", 2))
	transcript, err := runtime.GetTranscript(context.Background(), engine.Get(orch.ID).MainSessionID)
	require.NoError(t, err)

	require.NoError(t, engine.ProcessPhase(context.Background(), orch.ID, transcript))

	got := engine.Get(orch.ID)
	assert.Equal(t, PhaseTaskPlanning, got.CurrentPhase)
	require.NotNil(t, got.Analysis)
	assert.Equal(t, "looks good", got.Analysis.Summary)
	assert.Equal(t, 2, got.Analysis.RecommendedSplits)

	// the taskPlanning prompt must have been injected into the main session
	require.Len(t, runtime.sent, 2)
	assert.Contains(t, runtime.sent[1], "looks good")
}

func TestProcessPhaseTaskListMovesToAwaitingConfirmation(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()
	engine := newTestEngine(t, runtime, svc)

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "x"})
	require.NoError(t, err)
	require.NoError(t, engine.StartOrchestrator(context.Background(), orch.ID))

	sessionID := engine.Get(orch.ID).MainSessionID
	runtime.pushAssistant(sessionID, analysisBlock("ok", 2))
	transcript, _ := runtime.GetTranscript(context.Background(), sessionID)
	require.NoError(t, engine.ProcessPhase(context.Background(), orch.ID, transcript))

	runtime.pushAssistant(sessionID, taskListBlock())
	transcript, _ = runtime.GetTranscript(context.Background(), sessionID)
	require.NoError(t, engine.ProcessPhase(context.Background(), orch.ID, transcript))

	got := engine.Get(orch.ID)
	assert.Equal(t, PhaseAwaitingConfirmation, got.CurrentPhase)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "t1", got.Tasks[0].ID)
}

func TestConfirmTasksAndSpawnDropsModifiedTask(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()
	engine := newTestEngine(t, runtime, svc)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop() })

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "x"})
	require.NoError(t, err)
	require.NoError(t, engine.StartOrchestrator(context.Background(), orch.ID))

	sessionID := engine.Get(orch.ID).MainSessionID
	runtime.pushAssistant(sessionID, analysisBlock("ok", 2))
	transcript, _ := runtime.GetTranscript(context.Background(), sessionID)
	require.NoError(t, engine.ProcessPhase(context.Background(), orch.ID, transcript))

	runtime.pushAssistant(sessionID, taskListBlock())
	transcript, _ = runtime.GetTranscript(context.Background(), sessionID)
	require.NoError(t, engine.ProcessPhase(context.Background(), orch.ID, transcript))

	err = engine.ConfirmTasksAndSpawn(context.Background(), orch.ID, []TaskModification{{TaskID: "t2", Drop: true}})
	require.NoError(t, err)

	got := engine.Get(orch.ID)
	assert.Equal(t, PhaseWorkerExecution, got.CurrentPhase)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "t1", got.Tasks[0].ID)
	assert.Len(t, got.WorkersByTaskID, 1)
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()
	engine := newTestEngine(t, runtime, svc)

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "x"})
	require.NoError(t, err)
	require.NoError(t, engine.StartOrchestrator(context.Background(), orch.ID))

	require.NoError(t, engine.Pause(orch.ID))
	assert.Equal(t, StatusPaused, engine.Get(orch.ID).Status)

	require.NoError(t, engine.Resume(orch.ID))
	assert.Equal(t, StatusRunning, engine.Get(orch.ID).Status)
}

func TestCancelMarksTerminalAndRejectsRepeat(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()
	engine := newTestEngine(t, runtime, svc)

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "x"})
	require.NoError(t, err)
	require.NoError(t, engine.StartOrchestrator(context.Background(), orch.ID))

	require.NoError(t, engine.Cancel(context.Background(), orch.ID, false))
	assert.Equal(t, StatusCancelled, engine.Get(orch.ID).Status)

	err = engine.Cancel(context.Background(), orch.ID, false)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPersistenceRoundTripsOrchestratorTable(t *testing.T) {
	svc := newTestTemplateService(t, testTemplate("tmpl-a"))
	runtime := newFakeRuntime()

	storagePath := filepath.Join(t.TempDir(), "orchestrators.json")
	poolDefaults := config.WorkerPoolConfig{DefaultMaxWorkers: 2, DefaultPollIntervalMs: 50, DefaultWorkerTimeoutMs: 5000, DefaultRetryMax: 1}
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	engine := NewEngine(storagePath, poolDefaults, runtime, svc, parser.New(), eventBus, newTestLogger(t))
	require.NoError(t, engine.Start(context.Background()))

	orch, err := engine.Create(CreateRequest{TemplateID: "tmpl-a", Cwd: "/work", Message: "persist me"})
	require.NoError(t, err)

	require.NoError(t, engine.Stop())

	table, err := loadOrchestrators(storagePath)
	require.NoError(t, err)
	require.Contains(t, table, orch.ID)
	assert.Equal(t, "persist me", table[orch.ID].Message)
}

func TestApplyModificationsEditsTitleAndDropsTask(t *testing.T) {
	tasks := []Task{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}}
	out := applyModifications(tasks, []TaskModification{
		{TaskID: "a", Title: "Renamed"},
		{TaskID: "b", Drop: true},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "Renamed", out[0].Title)
}

func TestCanAdvanceRespectsPhaseOrder(t *testing.T) {
	assert.True(t, canAdvance(PhaseAnalysis, PhaseTaskPlanning))
	assert.False(t, canAdvance(PhaseTaskPlanning, PhaseAnalysis))
	assert.False(t, canAdvance(PhaseAnalysis, PhaseAnalysis))
}

func TestMainPollIntervalIsPositive(t *testing.T) {
	assert.Greater(t, mainPollInterval, time.Duration(0))
}
