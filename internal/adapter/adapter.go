// Package adapter implements the RemoteRuntimeAdapter: the engine's only
// contact point with the host application. It maintains a single duplex
// connection to the host's remote-debugging endpoint and exposes the host's
// capability set as typed Go methods, each ultimately expressed as an
// evaluate-expression request against the host's JavaScript runtime.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
	"github.com/kdlbs/conductor/pkg/wire"
)

// Adapter is the RemoteRuntimeAdapter. Safe for concurrent use.
type Adapter struct {
	cfg    config.AdapterConfig
	logger *log.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu       sync.Mutex
	pendingRequests map[string]chan *wire.Message

	sessionsMu     sync.Mutex
	sessionsCache  []Session
	sessionsAt     time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs an Adapter. It does not connect; call Connect before use.
func New(cfg config.AdapterConfig, logger *log.Logger) *Adapter {
	return &Adapter{
		cfg:             cfg,
		logger:          logger.WithFields(zap.String("component", "adapter")),
		pendingRequests: make(map[string]chan *wire.Message),
		done:            make(chan struct{}),
	}
}

// Connect discovers the host's debug target and dials it. The discovery
// step is retried internally (bounded by the configured discovery timeout);
// once a socket exists, reconnection is the caller's responsibility.
func (a *Adapter) Connect(ctx context.Context) error {
	target, err := discover(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return fmt.Errorf("adapter: failed to dial host debug target: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.logger.Info("connected to host runtime", zap.String("url", target.WebSocketDebuggerURL))

	go a.readLoop(conn)

	return nil
}

// ensureConnected returns the live socket or ErrClosed.
func (a *Adapter) ensureConnected() (*websocket.Conn, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil {
		return nil, ErrClosed
	}
	return a.conn, nil
}

// IsConnected reports whether a live socket is held.
func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn != nil
}

// readLoop dispatches inbound replies to their waiting caller until the
// socket closes, then unblocks every still-pending request.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		a.cleanupPendingRequests()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debug("host runtime read error", zap.Error(err))
			}
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Warn("failed to unmarshal host runtime message", zap.Error(err))
			continue
		}

		if !a.resolvePendingRequest(&msg) {
			a.logger.Debug("unsolicited host runtime message", zap.String("action", msg.Action))
		}
	}
}

// sendRequest writes a request and blocks for its matching reply, a context
// cancellation, or the per-request deadline, whichever comes first.
func (a *Adapter) sendRequest(ctx context.Context, action wire.Action, payload interface{}) (*wire.Message, error) {
	conn, err := a.ensureConnected()
	if err != nil {
		return nil, err
	}

	reqID := uuid.New().String()

	msg, err := wire.NewRequest(reqID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("adapter: failed to build request: %w", err)
	}

	respCh := make(chan *wire.Message, 1)
	a.pendingMu.Lock()
	a.pendingRequests[reqID] = respCh
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pendingRequests, reqID)
		a.pendingMu.Unlock()
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("adapter: failed to marshal request: %w", err)
	}

	a.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, data)
	a.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, writeErr)
	}

	select {
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.cfg.EvaluateTimeout()):
		return nil, ErrTimeout
	}
}

// resolvePendingRequest matches a reply to its pending request by id.
func (a *Adapter) resolvePendingRequest(msg *wire.Message) bool {
	if msg.ID == "" {
		return false
	}

	a.pendingMu.Lock()
	ch, ok := a.pendingRequests[msg.ID]
	a.pendingMu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- msg:
	default:
	}
	return true
}

// cleanupPendingRequests unblocks every pending request with a closed
// channel, signaling ErrClosed to all in-flight callers at once.
func (a *Adapter) cleanupPendingRequests() {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, ch := range a.pendingRequests {
		close(ch)
		delete(a.pendingRequests, id)
	}
}

// Close tears down the connection. Safe to call more than once.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		conn := a.conn
		a.conn = nil
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}
