package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kdlbs/conductor/pkg/wire"
)

// hiddenSessionMarker is the substring that identifies a worker session so
// listSessions can filter it out by default.
const hiddenSessionMarker = "__orch_"

// Session is one entry of the host's session list.
type Session struct {
	SessionID      string    `json:"sessionId"`
	Title          string    `json:"title"`
	Cwd            string    `json:"cwd"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	MessageCount   int       `json:"messageCount"`
	Model          string    `json:"model"`
	IsRunning      bool      `json:"isRunning"`
	IsGenerating   bool      `json:"isGenerating"`
}

// TranscriptEntry is one turn of a session's conversation.
type TranscriptEntry struct {
	Type      string          `json:"type"` // "user" | "assistant"
	Content   interface{}     `json:"content"`
	UUID      string          `json:"uuid,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Usage     map[string]int  `json:"usage,omitempty"`
}

// PermissionRequest is a pending tool-use permission request from the host.
type PermissionRequest struct {
	RequestID string                 `json:"requestId"`
	SessionID string                 `json:"sessionId"`
	ToolName  string                 `json:"toolName"`
	Input     map[string]interface{} `json:"input"`
}

// QuestionOption is one selectable answer to a pending question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PendingQuestion is a single question within a Question.
type PendingQuestion struct {
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options"`
}

// Question is a pending clarification request from the host.
type Question struct {
	QuestionID string            `json:"questionId"`
	SessionID  string            `json:"sessionId"`
	Questions  []PendingQuestion `json:"questions"`
}

// PermissionDecision is the caller's answer to a pending permission request.
type PermissionDecision string

const (
	PermissionOnce   PermissionDecision = "once"
	PermissionAlways PermissionDecision = "always"
	PermissionDeny   PermissionDecision = "deny"
)

// StartSessionOptions configures a new session's startup.
type StartSessionOptions struct {
	Title string `json:"title,omitempty"`
}

// Evaluate submits an expression to the host's JavaScript runtime and
// returns the decoded result. Every higher-level operation in this file is
// expressed as an Evaluate call against the host's capability namespace.
func (a *Adapter) Evaluate(ctx context.Context, expression string, awaitPromise bool) (*wire.Message, error) {
	payload := struct {
		Expression   string `json:"expression"`
		AwaitPromise bool   `json:"awaitPromise"`
	}{Expression: expression, AwaitPromise: awaitPromise}

	resp, err := a.sendRequest(ctx, wire.ActionEvaluate, payload)
	if err != nil {
		return nil, err
	}
	if resp.Type == wire.MessageTypeError {
		var errPayload wire.ErrorPayload
		if parseErr := resp.ParsePayload(&errPayload); parseErr == nil {
			return nil, &ExecutionFault{Message: errPayload.Message}
		}
		return nil, &ExecutionFault{Message: "unknown execution fault"}
	}
	return resp, nil
}

// ListSessions returns the host's session list, cached for the configured
// TTL unless forceRefresh is set. Hidden (worker) sessions are filtered out
// unless includeHidden is set.
func (a *Adapter) ListSessions(ctx context.Context, forceRefresh, includeHidden bool) ([]Session, error) {
	a.sessionsMu.Lock()
	if !forceRefresh && time.Since(a.sessionsAt) < a.ttl() {
		cached := append([]Session(nil), a.sessionsCache...)
		a.sessionsMu.Unlock()
		return filterHidden(cached, includeHidden), nil
	}
	a.sessionsMu.Unlock()

	resp, err := a.sendRequest(ctx, wire.ActionGetAllSessions, nil)
	if err != nil {
		return nil, err
	}

	var sessions []Session
	if err := resp.ParsePayload(&sessions); err != nil {
		return nil, fmt.Errorf("adapter: failed to decode session list: %w", err)
	}

	a.sessionsMu.Lock()
	a.sessionsCache = sessions
	a.sessionsAt = time.Now()
	a.sessionsMu.Unlock()

	return filterHidden(append([]Session(nil), sessions...), includeHidden), nil
}

func (a *Adapter) ttl() time.Duration {
	return time.Duration(a.cfg.ListSessionsTTLMs) * time.Millisecond
}

func filterHidden(sessions []Session, includeHidden bool) []Session {
	if includeHidden {
		return sessions
	}
	out := sessions[:0]
	for _, s := range sessions {
		if !strings.Contains(s.SessionID, hiddenSessionMarker) {
			out = append(out, s)
		}
	}
	return out
}

// invalidateSessionsCache forces the next ListSessions call to refetch.
func (a *Adapter) invalidateSessionsCache() {
	a.sessionsMu.Lock()
	a.sessionsAt = time.Time{}
	a.sessionsMu.Unlock()
}

// GetTranscript returns a session's full chronological transcript.
func (a *Adapter) GetTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	payload := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}

	resp, err := a.sendRequest(ctx, wire.ActionGetTranscript, payload)
	if err != nil {
		return nil, err
	}

	var entries []TranscriptEntry
	if err := resp.ParsePayload(&entries); err != nil {
		return nil, fmt.Errorf("adapter: failed to decode transcript: %w", err)
	}
	return entries, nil
}

// SendMessage posts a user message into an existing session.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, text string, attachments []string) error {
	payload := struct {
		SessionID   string   `json:"sessionId"`
		Text        string   `json:"text"`
		Attachments []string `json:"attachments,omitempty"`
	}{SessionID: sessionID, Text: text, Attachments: attachments}

	if _, err := a.sendRequest(ctx, wire.ActionSendMessage, payload); err != nil {
		return err
	}
	a.invalidateSessionsCache()
	return nil
}

// StartSessionWithMessage creates a new session rooted at cwd and injects
// text as its first user message, returning the new session id.
func (a *Adapter) StartSessionWithMessage(ctx context.Context, cwd, text string, opts StartSessionOptions) (string, error) {
	startPayload := struct {
		Cwd   string `json:"cwd"`
		Title string `json:"title,omitempty"`
	}{Cwd: cwd, Title: opts.Title}

	resp, err := a.sendRequest(ctx, wire.ActionStartSession, startPayload)
	if err != nil {
		return "", err
	}

	var started struct {
		SessionID string `json:"sessionId"`
	}
	if err := resp.ParsePayload(&started); err != nil {
		return "", fmt.Errorf("adapter: failed to decode session start response: %w", err)
	}
	if started.SessionID == "" {
		return "", fmt.Errorf("adapter: host returned empty session id")
	}

	if err := a.SendMessage(ctx, started.SessionID, text, nil); err != nil {
		return "", fmt.Errorf("adapter: failed to send initial message: %w", err)
	}

	a.invalidateSessionsCache()
	return started.SessionID, nil
}

// SwitchSession makes sessionID the host UI's current session.
func (a *Adapter) SwitchSession(ctx context.Context, sessionID string) error {
	payload := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}

	_, err := a.sendRequest(ctx, wire.ActionSwitchSession, payload)
	return err
}

// GetCurrentSessionID returns the id of the session the host UI currently
// has in the foreground.
func (a *Adapter) GetCurrentSessionID(ctx context.Context) (string, error) {
	resp, err := a.sendRequest(ctx, wire.ActionGetCurrentSessionID, nil)
	if err != nil {
		return "", err
	}
	var current struct {
		SessionID string `json:"sessionId"`
	}
	if err := resp.ParsePayload(&current); err != nil {
		return "", fmt.Errorf("adapter: failed to decode current session id: %w", err)
	}
	return current.SessionID, nil
}

// GetPendingPermissions returns the host's current set of unanswered
// tool-use permission requests.
func (a *Adapter) GetPendingPermissions(ctx context.Context) ([]PermissionRequest, error) {
	resp, err := a.sendRequest(ctx, wire.ActionGetPendingPermissions, nil)
	if err != nil {
		return nil, err
	}
	var reqs []PermissionRequest
	if err := resp.ParsePayload(&reqs); err != nil {
		return nil, fmt.Errorf("adapter: failed to decode pending permissions: %w", err)
	}
	return reqs, nil
}

// RespondToPermission answers a pending permission request.
func (a *Adapter) RespondToPermission(ctx context.Context, requestID string, decision PermissionDecision) error {
	payload := struct {
		RequestID string             `json:"requestId"`
		Decision  PermissionDecision `json:"decision"`
	}{RequestID: requestID, Decision: decision}

	_, err := a.sendRequest(ctx, wire.ActionRespondToPermission, payload)
	return err
}

// GetPendingQuestions returns the host's current set of unanswered
// clarification questions.
func (a *Adapter) GetPendingQuestions(ctx context.Context) ([]Question, error) {
	resp, err := a.sendRequest(ctx, wire.ActionGetPendingQuestions, nil)
	if err != nil {
		return nil, err
	}
	var qs []Question
	if err := resp.ParsePayload(&qs); err != nil {
		return nil, fmt.Errorf("adapter: failed to decode pending questions: %w", err)
	}
	return qs, nil
}

// RespondToQuestion answers a pending clarification question.
func (a *Adapter) RespondToQuestion(ctx context.Context, questionID string, answers []string) error {
	payload := struct {
		QuestionID string   `json:"questionId"`
		Answers    []string `json:"answers"`
	}{QuestionID: questionID, Answers: answers}

	_, err := a.sendRequest(ctx, wire.ActionRespondToQuestion, payload)
	return err
}

// ArchiveSession archives a worker or main session on the host, used by
// pool/orchestrator cleanup when the caller opted to keep a record instead
// of deleting it outright.
func (a *Adapter) ArchiveSession(ctx context.Context, sessionID string) error {
	payload := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}

	_, err := a.sendRequest(ctx, wire.ActionArchiveSession, payload)
	a.invalidateSessionsCache()
	return err
}

// DeleteSession permanently removes a session on the host.
func (a *Adapter) DeleteSession(ctx context.Context, sessionID string) error {
	payload := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}

	_, err := a.sendRequest(ctx, wire.ActionDeleteSession, payload)
	a.invalidateSessionsCache()
	return err
}
