package subsession

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
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
)

type fakeRuntime struct {
	mu          sync.Mutex
	sessions    []adapter.Session
	transcripts map[string][]adapter.TranscriptEntry
	unreachable map[string]bool
	sent        []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{transcripts: make(map[string][]adapter.TranscriptEntry), unreachable: make(map[string]bool)}
}

func (f *fakeRuntime) ListSessions(ctx context.Context, forceRefresh, includeHidden bool) ([]adapter.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.Session{}, f.sessions...), nil
}

func (f *fakeRuntime) GetTranscript(ctx context.Context, sessionID string) ([]adapter.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[sessionID] {
		return nil, fmt.Errorf("session %s unreachable", sessionID)
	}
	return append([]adapter.TranscriptEntry{}, f.transcripts[sessionID]...), nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, sessionID, text string, attachments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func toolUseEntry(toolName string) adapter.TranscriptEntry {
	return adapter.TranscriptEntry{
		Type: "assistant",
		Content: []interface{}{
			map[string]interface{}{"type": "tool_use", "name": toolName},
		},
	}
}

func newTestTracker(runtime runtimeClient) *Tracker {
	eventBus := bus.NewMemoryEventBus(discardLogger())
	cfg := config.SubSessionConfig{IdleThresholdMs: 50, OrphanThresholdMs: 100, ForwardResults: true}
	return New(runtime, parser.New(), eventBus, cfg, discardLogger())
}

func discardLogger() *log.Logger {
	logger, _ := log.New(log.Config{Level: "error", Format: "json"})
	return logger
}

func TestScanParentsForSpawnsDetectsAgentSpawnToolUse(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.transcripts["parent-1"] = []adapter.TranscriptEntry{toolUseEntry("Task")}

	tracker := newTestTracker(runtime)
	tracker.WatchParent("parent-1")

	tracker.scanParentsForSpawns(context.Background())

	tracker.mu.Lock()
	_, pending := tracker.pendingSpawns["parent-1"]
	tracker.mu.Unlock()
	assert.True(t, pending)
}

func TestAttributeNewSessionsAssignsToPendingParent(t *testing.T) {
	runtime := newFakeRuntime()
	tracker := newTestTracker(runtime)
	tracker.WatchParent("parent-1")

	tracker.mu.Lock()
	tracker.pendingSpawns["parent-1"] = time.Now().Add(attributionWindow)
	tracker.mu.Unlock()

	runtime.mu.Lock()
	runtime.sessions = []adapter.Session{{SessionID: "child-1", MessageCount: 1, LastActivityAt: time.Now()}}
	runtime.mu.Unlock()

	tracker.attributeNewSessions(context.Background())

	relations := tracker.Relations()
	require.Len(t, relations, 1)
	assert.Equal(t, "child-1", relations[0].ChildSessionID)
	assert.Equal(t, "parent-1", relations[0].ParentSessionID)
	assert.Equal(t, StatusActive, relations[0].Status)
}

func TestPollRelationsMarksIdleThenOrphaned(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.transcripts["child-1"] = []adapter.TranscriptEntry{{Type: "assistant", Content: "hi"}}
	tracker := newTestTracker(runtime)

	relation := &Relation{
		ChildSessionID:    "child-1",
		ParentSessionID:   "parent-1",
		Status:            StatusActive,
		LastActivityAt:    time.Now().Add(-time.Hour),
		lastParentSeenAt:  time.Now().Add(-time.Hour),
		lastTranscriptLen: 1, // transcript already seen; no growth this poll
	}
	tracker.relations["child-1"] = relation

	tracker.pollOne(context.Background(), relation)
	assert.Equal(t, StatusIdle, relation.Status)

	runtime.mu.Lock()
	runtime.unreachable["parent-1"] = true
	runtime.mu.Unlock()
	relation.lastParentSeenAt = time.Now().Add(-time.Hour)

	tracker.pollOne(context.Background(), relation)
	assert.Equal(t, StatusOrphaned, relation.Status)
}

func TestForwardResultSendsSyntheticMessageAndMarksReturned(t *testing.T) {
	runtime := newFakeRuntime()
	completion := `<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "completion", "task_id": "t1", "status": "success", "output": "done"}
<<<END_ORCHESTRATOR_RESPONSE>>>`
	runtime.transcripts["child-1"] = []adapter.TranscriptEntry{{Type: "assistant", Content: completion}}

	tracker := newTestTracker(runtime)
	relation := &Relation{ChildSessionID: "child-1", ParentSessionID: "parent-1", Status: StatusActive, lastParentSeenAt: time.Now()}
	tracker.relations["child-1"] = relation

	tracker.pollOne(context.Background(), relation)

	assert.Equal(t, StatusReturned, relation.Status)
	require.Len(t, runtime.sent, 1)
	assert.Contains(t, runtime.sent[0], "done")
}

func TestForwardResultRespectsForwardResultsFlag(t *testing.T) {
	runtime := newFakeRuntime()
	completion := `<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "completion", "task_id": "t1", "status": "success", "output": "done"}
<<<END_ORCHESTRATOR_RESPONSE>>>`
	runtime.transcripts["child-1"] = []adapter.TranscriptEntry{{Type: "assistant", Content: completion}}

	eventBus := bus.NewMemoryEventBus(discardLogger())
	cfg := config.SubSessionConfig{IdleThresholdMs: 50, OrphanThresholdMs: 100, ForwardResults: false}
	tracker := New(runtime, parser.New(), eventBus, cfg, discardLogger())
	relation := &Relation{ChildSessionID: "child-1", ParentSessionID: "parent-1", Status: StatusActive, lastParentSeenAt: time.Now()}
	tracker.relations["child-1"] = relation

	tracker.pollOne(context.Background(), relation)

	assert.Equal(t, StatusReturned, relation.Status)
	assert.Empty(t, runtime.sent)
}
