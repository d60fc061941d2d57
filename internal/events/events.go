// Package events defines the Dispatcher's subject namespace and wires the
// configured backend (in-memory or NATS) behind the bus.EventBus contract.
package events

import (
	"fmt"

	"github.com/kdlbs/conductor/internal/events/bus"
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
)

// Orchestrator event subjects.
const (
	OrchestratorCreated        = "orchestrator.created"
	OrchestratorStarted        = "orchestrator.started"
	OrchestratorPhaseChanged   = "orchestrator.phaseChanged"
	OrchestratorAnalysisDone   = "orchestrator.analysisComplete"
	OrchestratorTasksReady     = "orchestrator.tasksReady"
	OrchestratorProgress       = "orchestrator.progress"
	OrchestratorCompleted      = "orchestrator.completed"
	OrchestratorCancelled      = "orchestrator.cancelled"
	OrchestratorPaused         = "orchestrator.paused"
	OrchestratorResumed        = "orchestrator.resumed"
	OrchestratorError          = "orchestrator.error"
	OrchestratorProtocolError  = "orchestrator.protocolError"
)

// Worker event subjects.
const (
	WorkerSpawned   = "worker.spawned"
	WorkerProgress  = "worker.progress"
	WorkerCompleted = "worker.completed"
	WorkerFailed    = "worker.failed"
	WorkerTimeout   = "worker.timeout"
	WorkerCancelled = "worker.cancelled"
)

// Subsession event subjects.
const (
	SubSessionRegistered    = "subsession.registered"
	SubSessionStatusChanged = "subsession.statusChanged"
	SubSessionResultReturned = "subsession.resultReturned"
	SubSessionOrphaned      = "subsession.orphaned"
)

// BuildOrchestratorSubject returns the id-scoped wildcard subject
// "orchestrator.<id>.>". The orchestrator engine publishes on the unscoped
// subjects above (e.g. "orchestrator.created") and carries the id in the
// event data under "orchestratorId", so this pattern matches none of the
// engine's own events.
func BuildOrchestratorSubject(orchestratorID string) string {
	return fmt.Sprintf("orchestrator.%s.>", orchestratorID)
}

// Provided bundles the constructed Dispatcher and, if applicable, the
// concrete backend for diagnostics.
type Provided struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide constructs the Dispatcher backend selected by configuration: a
// NATS-backed bus when Events.NatsURL is set, otherwise an in-memory bus.
func Provide(cfg config.EventsConfig, logger *log.Logger) (*Provided, func(), error) {
	if cfg.NatsURL != "" {
		natsBus, err := bus.NewNATSEventBus(bus.NATSOptions{
			URL:           cfg.NatsURL,
			ClientID:      "conductor",
			MaxReconnects: 10,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to construct NATS dispatcher: %w", err)
		}
		cleanup := func() { natsBus.Close() }
		return &Provided{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(logger)
	cleanup := func() { memBus.Close() }
	return &Provided{Bus: memBus, Memory: memBus}, cleanup, nil
}
