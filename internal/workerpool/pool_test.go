package workerpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/conductor/internal/adapter"
	"github.com/kdlbs/conductor/internal/events/bus"
	"github.com/kdlbs/conductor/internal/parser"
	"github.com/kdlbs/conductor/internal/platform/log"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.New(log.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return logger
}

type fakeRuntime struct {
	mu           sync.Mutex
	nextSession  int
	transcripts  map[string][]adapter.TranscriptEntry
	sentMessages []string
	archived     []string
	deleted      []string
	startErr     error
	transcriptErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{transcripts: make(map[string][]adapter.TranscriptEntry)}
}

func (f *fakeRuntime) StartSessionWithMessage(ctx context.Context, cwd, text string, opts adapter.StartSessionOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextSession++
	id := fmt.Sprintf("session-%d", f.nextSession)
	f.transcripts[id] = nil
	return id, nil
}

func (f *fakeRuntime) GetTranscript(ctx context.Context, sessionID string) ([]adapter.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcriptErr != nil {
		return nil, f.transcriptErr
	}
	return f.transcripts[sessionID], nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, sessionID, text string, attachments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentMessages = append(f.sentMessages, text)
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

func (f *fakeRuntime) setTranscript(sessionID string, entries []adapter.TranscriptEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[sessionID] = entries
}

func identityPrompt(task Task) (string, error) {
	return "prompt for " + task.Title, nil
}

func newTestPool(t *testing.T, cfg Config, runtime *fakeRuntime) *WorkerPool {
	t.Helper()
	return NewPool(cfg, runtime, parser.New(), bus.NewMemoryEventBus(newTestLogger(t)), newTestLogger(t))
}

func textEntry(text string) adapter.TranscriptEntry {
	return adapter.TranscriptEntry{Type: "assistant", Content: text, Timestamp: time.Now()}
}

func TestSpawnBatchRespectsMaxWorkers(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 2, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 1}, runtime)

	tasks := []Task{{ID: "1", Title: "a", Description: "d"}, {ID: "2", Title: "b", Description: "d"}, {ID: "3", Title: "c", Description: "d"}}
	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", tasks, identityPrompt))

	pool.drainQueue(context.Background())

	running := 0
	for _, w := range pool.Workers() {
		if w.Status == StatusRunning {
			running++
		}
	}
	assert.Equal(t, 2, running)
	assert.Equal(t, 1, pool.queue.len())
}

func TestPollWorkerAppliesProgressThenCompletion(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 1}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())

	workers := pool.Workers()
	require.Len(t, workers, 1)
	sessionID := workers[0].SessionID
	require.NotEmpty(t, sessionID)

	runtime.setTranscript(sessionID, []adapter.TranscriptEntry{
		textEntry(wrap(`{"phase":"progress","data":{"task_id":"1","status":"running","progress_percent":40}}`)),
	})
	pool.pollWorkers(context.Background())

	w := pool.findBySessionID(sessionID)
	assert.Equal(t, 40, w.ProgressPct)
	assert.Equal(t, StatusRunning, w.Status)

	runtime.setTranscript(sessionID, []adapter.TranscriptEntry{
		textEntry(wrap(`{"phase":"progress","data":{"task_id":"1","status":"running","progress_percent":40}}`)),
		textEntry(wrap(`{"phase":"completion","data":{"task_id":"1","status":"success","summary":"done","output_files":["a.go"]}}`)),
	})
	pool.pollWorkers(context.Background())

	w = pool.findBySessionID(sessionID)
	assert.Equal(t, StatusCompleted, w.Status)
	assert.Equal(t, []string{"a.go"}, w.OutputFiles)
	assert.True(t, pool.AllTerminal("orch-1"))
}

func TestPollWorkerCountsToolUse(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 1}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())
	sessionID := pool.Workers()[0].SessionID

	runtime.setTranscript(sessionID, []adapter.TranscriptEntry{
		{Type: "assistant", Content: []interface{}{
			map[string]interface{}{"type": "tool_use", "name": "edit_file"},
			map[string]interface{}{"type": "tool_use", "name": "edit_file"},
			map[string]interface{}{"type": "tool_use", "name": "run_tests"},
		}},
	})
	pool.pollWorkers(context.Background())

	w := pool.findBySessionID(sessionID)
	assert.Equal(t, 2, w.ToolStats["edit_file"])
	assert.Equal(t, 1, w.ToolStats["run_tests"])
}

func TestPollWorkerTimesOut(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: -time.Second, RetryMax: 1}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())
	pool.pollWorkers(context.Background())

	w := pool.Workers()[0]
	assert.Equal(t, StatusTimeout, w.Status)
}

func TestPollWorkerTerminatesAfterConsecutiveFailures(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.transcriptErr = assert.AnError
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 1}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())

	for i := 0; i < maxConsecutivePollFailures; i++ {
		pool.pollWorkers(context.Background())
	}

	w := pool.Workers()[0]
	assert.Equal(t, StatusFailed, w.Status)
}

func TestCancelWorkerSendsInterruptAndMarksCancelled(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 1}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())
	sessionID := pool.Workers()[0].SessionID

	require.NoError(t, pool.CancelWorker(context.Background(), sessionID))

	w := pool.findBySessionID(sessionID)
	assert.Equal(t, StatusCancelled, w.Status)
	assert.Contains(t, runtime.sentMessages, "[Request interrupted by user]")
}

func TestPauseAndResumeWorker(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 1}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())
	sessionID := pool.Workers()[0].SessionID

	require.NoError(t, pool.PauseWorker(sessionID))
	assert.Equal(t, StatusPaused, pool.findBySessionID(sessionID).Status)

	require.NoError(t, pool.ResumeWorker(sessionID))
	assert.Equal(t, StatusRunning, pool.findBySessionID(sessionID).Status)
}

func TestRetryWorkerPreservesOldRecordWithSuffix(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 2}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())
	original := pool.Workers()[0]
	sessionID := original.SessionID
	oldWorkerID := original.WorkerID

	runtime.setTranscript(sessionID, []adapter.TranscriptEntry{
		textEntry(wrap(`{"phase":"completion","data":{"task_id":"1","status":"failed","error":"boom"}}`)),
	})
	pool.pollWorkers(context.Background())
	require.Equal(t, StatusFailed, pool.findBySessionID(sessionID).Status)

	fresh, err := pool.RetryWorker(sessionID, "/tmp/repo", identityPrompt)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.Equal(t, StatusQueued, fresh.Status)

	found := false
	for _, w := range pool.Workers() {
		if w.WorkerID == oldWorkerID+".retry0" {
			found = true
		}
	}
	assert.True(t, found, "old worker record should be preserved with .retry0 suffix")
}

func TestRetryWorkerRejectsOverRetryMax(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 0}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())
	sessionID := pool.Workers()[0].SessionID

	runtime.setTranscript(sessionID, []adapter.TranscriptEntry{
		textEntry(wrap(`{"phase":"completion","data":{"task_id":"1","status":"failed","error":"boom"}}`)),
	})
	pool.pollWorkers(context.Background())

	_, err := pool.RetryWorker(sessionID, "/tmp/repo", identityPrompt)
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
}

func TestCleanupArchivesSessionsAndDropsRecords(t *testing.T) {
	runtime := newFakeRuntime()
	pool := newTestPool(t, Config{MaxWorkers: 1, PollInterval: time.Second, WorkerTimeout: time.Hour, RetryMax: 1}, runtime)

	require.NoError(t, pool.SpawnBatch("orch-1", "/tmp/repo", []Task{{ID: "1", Title: "a", Description: "d"}}, identityPrompt))
	pool.drainQueue(context.Background())
	sessionID := pool.Workers()[0].SessionID

	require.NoError(t, pool.Cleanup(context.Background(), "orch-1", true))

	assert.Contains(t, runtime.archived, sessionID)
	assert.Empty(t, pool.Workers())
}

func wrap(body string) string {
	return parser.BlockOpen + "\n" + body + "\n" + parser.BlockClose
}
