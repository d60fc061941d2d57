package subsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/adapter"
	"github.com/kdlbs/conductor/internal/events"
	"github.com/kdlbs/conductor/internal/events/bus"
	"github.com/kdlbs/conductor/internal/parser"
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
)

// runtimeClient is the subset of the RemoteRuntimeAdapter the tracker needs.
type runtimeClient interface {
	ListSessions(ctx context.Context, forceRefresh, includeHidden bool) ([]adapter.Session, error)
	GetTranscript(ctx context.Context, sessionID string) ([]adapter.TranscriptEntry, error)
	SendMessage(ctx context.Context, sessionID, text string, attachments []string) error
}

// agentSpawnToolNames names the host's subagent-launching tool. The host
// capability surface never documents this name; "Task" is the one real
// desktop-assistant tool observed to spawn a fresh top-level session, so it
// anchors detection here. Extra names can be added without touching call
// sites.
var agentSpawnToolNames = map[string]bool{
	"Task": true,
}

// attributionWindow bounds how long after an agent-spawn tool use a newly
// discovered session may still be attributed to that parent.
const attributionWindow = 10 * time.Second

const pollInterval = 2 * time.Second

// Tracker is the SubSessionTracker.
type Tracker struct {
	runtime runtimeClient
	parser  *parser.Parser
	bus     bus.EventBus
	logger  *log.Logger
	cfg     config.SubSessionConfig

	mu sync.Mutex
	// watchedParents maps a parent session id to the transcript length
	// last scanned for agent-spawn tool use.
	watchedParents map[string]int
	// pendingSpawns maps a parent session id to the deadline by which a
	// newly observed session may still be attributed to it.
	pendingSpawns map[string]time.Time
	// knownSessionIDs is every session id already accounted for, either as
	// a watched parent or a tracked child, so ListSessions diffing only
	// surfaces genuinely new sessions.
	knownSessionIDs map[string]bool
	relations       map[string]*Relation // keyed by ChildSessionID

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Tracker. Call WatchParent for every session whose
// transcript should be scanned for spawned children, then Start.
func New(runtime runtimeClient, prsr *parser.Parser, eventBus bus.EventBus, cfg config.SubSessionConfig, logger *log.Logger) *Tracker {
	return &Tracker{
		runtime:         runtime,
		parser:          prsr,
		bus:             eventBus,
		cfg:             cfg,
		logger:          logger.WithFields(zap.String("component", "subsession-tracker")),
		watchedParents:  make(map[string]int),
		pendingSpawns:   make(map[string]time.Time),
		knownSessionIDs: make(map[string]bool),
		relations:       make(map[string]*Relation),
	}
}

// WatchParent adds sessionID to the set of sessions scanned for
// agent-spawn tool use. Idempotent.
func (t *Tracker) WatchParent(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.watchedParents[sessionID]; !ok {
		t.watchedParents[sessionID] = 0
		t.knownSessionIDs[sessionID] = true
	}
}

// UnwatchParent stops scanning sessionID. Relations already attributed to
// it are left untouched.
func (t *Tracker) UnwatchParent(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.watchedParents, sessionID)
	delete(t.pendingSpawns, sessionID)
}

// Relations returns a snapshot of every tracked parent/child relation.
func (t *Tracker) Relations() []*Relation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Relation, 0, len(t.relations))
	for _, r := range t.relations {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (t *Tracker) idleThreshold() time.Duration {
	if t.cfg.IdleThresholdMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(t.cfg.IdleThresholdMs) * time.Millisecond
}

func (t *Tracker) orphanThreshold() time.Duration {
	if t.cfg.OrphanThresholdMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(t.cfg.OrphanThresholdMs) * time.Millisecond
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.pollLoop(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Tracker) pollLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.scanParentsForSpawns(ctx)
			t.attributeNewSessions(ctx)
			t.pollRelations(ctx)
		}
	}
}

// scanParentsForSpawns looks for new agent-spawn tool_use blocks in every
// watched parent's transcript past its last-scanned cursor.
func (t *Tracker) scanParentsForSpawns(ctx context.Context) {
	t.mu.Lock()
	parents := make(map[string]int, len(t.watchedParents))
	for id, cursor := range t.watchedParents {
		parents[id] = cursor
	}
	t.mu.Unlock()

	for parentID, cursor := range parents {
		transcript, err := t.runtime.GetTranscript(ctx, parentID)
		if err != nil {
			continue
		}
		if cursor >= len(transcript) {
			continue
		}

		spawned := false
		for _, entry := range transcript[cursor:] {
			if entry.Type != "assistant" {
				continue
			}
			if containsAgentSpawnToolUse(entry.Content) {
				spawned = true
			}
		}

		t.mu.Lock()
		t.watchedParents[parentID] = len(transcript)
		if spawned {
			t.pendingSpawns[parentID] = time.Now().Add(attributionWindow)
		}
		t.mu.Unlock()
	}
}

func containsAgentSpawnToolUse(content interface{}) bool {
	blocks, ok := content.([]interface{})
	if !ok {
		return false
	}
	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if block["type"] != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		if agentSpawnToolNames[name] {
			return true
		}
	}
	return false
}

// attributeNewSessions lists every session (including hidden ones) and
// attributes any unknown session to a parent with an unexpired pending
// spawn, newest pending spawn wins when more than one parent is eligible.
func (t *Tracker) attributeNewSessions(ctx context.Context) {
	t.mu.Lock()
	if len(t.pendingSpawns) == 0 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	sessions, err := t.runtime.ListSessions(ctx, true, true)
	if err != nil {
		t.logger.Warn("failed to list sessions while attributing spawns", zap.Error(err))
		return
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for parentID, deadline := range t.pendingSpawns {
		if now.After(deadline) {
			delete(t.pendingSpawns, parentID)
		}
	}

	for _, sess := range sessions {
		if t.knownSessionIDs[sess.SessionID] {
			continue
		}
		var bestParent string
		var bestDeadline time.Time
		for parentID, deadline := range t.pendingSpawns {
			if deadline.After(bestDeadline) {
				bestParent, bestDeadline = parentID, deadline
			}
		}
		if bestParent == "" {
			continue
		}

		t.knownSessionIDs[sess.SessionID] = true
		delete(t.pendingSpawns, bestParent)

		relation := &Relation{
			ChildSessionID:   sess.SessionID,
			ParentSessionID:  bestParent,
			Status:           StatusActive,
			MessageCount:     sess.MessageCount,
			LastActivityAt:   sess.LastActivityAt,
			CreatedAt:        now,
			lastParentSeenAt: now,
		}
		t.relations[sess.SessionID] = relation
		t.publish(events.SubSessionRegistered, relation)
	}
}

// pollRelations derives each relation's status from child transcript
// growth, parent reachability, and completion-payload detection.
func (t *Tracker) pollRelations(ctx context.Context) {
	t.mu.Lock()
	relations := make([]*Relation, 0, len(t.relations))
	for _, r := range t.relations {
		if r.Status != StatusReturned && r.Status != StatusOrphaned {
			relations = append(relations, r)
		}
	}
	t.mu.Unlock()

	for _, r := range relations {
		t.pollOne(ctx, r)
	}
}

func (t *Tracker) pollOne(ctx context.Context, r *Relation) {
	transcript, err := t.runtime.GetTranscript(ctx, r.ChildSessionID)
	if err != nil {
		t.markOrphanIfStale(r)
		return
	}

	if _, err := t.runtime.GetTranscript(ctx, r.ParentSessionID); err != nil {
		t.markOrphanIfStale(r)
	} else {
		t.mu.Lock()
		r.lastParentSeenAt = time.Now()
		t.mu.Unlock()
	}

	grew := len(transcript) > r.lastTranscriptLen
	now := time.Now()

	var result *parser.ParseResult
	for i := r.lastTranscriptLen; i < len(transcript); i++ {
		entry := transcript[i]
		if entry.Type != "assistant" {
			continue
		}
		for _, res := range t.parser.ParseMultiple(contentText(entry.Content)) {
			if res.Phase == parser.PhaseCompletion {
				captured := res
				result = &captured
			}
		}
	}

	t.mu.Lock()
	r.lastTranscriptLen = len(transcript)
	if grew {
		r.LastActivityAt = now
		if r.Status == StatusIdle {
			r.Status = StatusActive
			t.publishLocked(events.SubSessionStatusChanged, r)
		}
	} else if r.Status == StatusActive && now.Sub(r.LastActivityAt) > t.idleThreshold() {
		r.Status = StatusIdle
		t.publishLocked(events.SubSessionStatusChanged, r)
	}
	t.mu.Unlock()

	if result != nil {
		t.forwardResult(ctx, r, *result)
	}
}

func (t *Tracker) markOrphanIfStale(r *Relation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.Status == StatusOrphaned || r.Status == StatusReturned {
		return
	}
	if time.Since(r.lastParentSeenAt) <= t.orphanThreshold() {
		return
	}
	r.Status = StatusOrphaned
	t.publishLocked(events.SubSessionOrphaned, r)
}

// forwardResult writes a synthetic user message into the parent session
// containing the child's completion payload, gated by
// SubSession.ForwardResults.
func (t *Tracker) forwardResult(ctx context.Context, r *Relation, result parser.ParseResult) {
	payload, ok := result.Data.(parser.CompletionPayload)
	if !ok {
		return
	}

	t.mu.Lock()
	r.Status = StatusReturned
	r.ReturnedResult = payload.Output
	parentID := r.ParentSessionID
	t.mu.Unlock()

	if t.cfg.ForwardResults {
		message := fmt.Sprintf("Sub-session %s completed (%s): %s", r.ChildSessionID, payload.Status, payload.Output)
		if err := t.runtime.SendMessage(ctx, parentID, message, nil); err != nil {
			t.logger.Warn("failed to forward sub-session result to parent",
				zap.String("child_session_id", r.ChildSessionID), zap.String("parent_session_id", parentID), zap.Error(err))
		}
	}

	t.publish(events.SubSessionResultReturned, r)
}

func (t *Tracker) publish(subject string, r *Relation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishLocked(subject, r)
}

// publishLocked assumes t.mu is already held.
func (t *Tracker) publishLocked(subject string, r *Relation) {
	if t.bus == nil {
		return
	}
	data := map[string]interface{}{
		"childSessionId":  r.ChildSessionID,
		"parentSessionId": r.ParentSessionID,
		"status":          string(r.Status),
	}
	event := bus.NewEvent(subject, "subsession", data)
	if err := t.bus.Publish(context.Background(), subject, event); err != nil {
		t.logger.Warn("failed to publish subsession event", zap.String("subject", subject), zap.Error(err))
	}
}

// contentText extracts plain text from a transcript entry's content,
// mirroring workerpool's identical small helper.
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
