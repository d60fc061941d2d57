package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/conductor/internal/orchestrator"
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.New(log.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return logger
}

func TestOpenCreatesSQLiteStoreAndRoundTripsRecord(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(config.HistoryConfig{Driver: "sqlite", Path: dbPath}, newTestLogger(t))
	require.NoError(t, err)
	defer store.Close()

	started := time.Now().Add(-time.Minute)
	completed := time.Now()
	record := orchestrator.HistoryRecord{
		OrchestratorID: "orch-1",
		TemplateID:     "tmpl-a",
		FinalStatus:    orchestrator.StatusCompleted,
		TaskCount:      3,
		StartedAt:      started,
		CompletedAt:    completed,
	}
	require.NoError(t, store.Record(record))

	recent, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "orch-1", recent[0].OrchestratorID)
	assert.Equal(t, orchestrator.StatusCompleted, recent[0].FinalStatus)
	assert.Equal(t, 3, recent[0].TaskCount)
}

func TestRecordUpsertsOnRepeatedOrchestratorID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(config.HistoryConfig{Driver: "sqlite", Path: dbPath}, newTestLogger(t))
	require.NoError(t, err)
	defer store.Close()

	base := orchestrator.HistoryRecord{
		OrchestratorID: "orch-2",
		TemplateID:     "tmpl-a",
		FinalStatus:    orchestrator.StatusError,
		TaskCount:      2,
		FailureReason:  "worker timeout",
		CompletedAt:    time.Now(),
	}
	require.NoError(t, store.Record(base))

	base.FinalStatus = orchestrator.StatusCompleted
	base.FailureReason = ""
	require.NoError(t, store.Record(base))

	recent, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, orchestrator.StatusCompleted, recent[0].FinalStatus)
	assert.Empty(t, recent[0].FailureReason)
}

func TestOpenRejectsUnsupportedDriver(t *testing.T) {
	_, err := Open(config.HistoryConfig{Driver: "mysql"}, newTestLogger(t))
	assert.Error(t, err)
}
