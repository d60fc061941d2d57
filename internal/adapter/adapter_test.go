package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
	"github.com/kdlbs/conductor/pkg/wire"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.New(log.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return logger
}

// wsTestServer echoes back whatever the handler produces for each request.
type wsTestServer struct {
	server  *httptest.Server
	handler func(msg wire.Message) *wire.Message
}

func newWSTestServer(t *testing.T, handler func(msg wire.Message) *wire.Message) *wsTestServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts := &wsTestServer{handler: handler}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wire.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if ts.handler == nil {
				continue
			}
			if resp := ts.handler(msg); resp != nil {
				out, _ := json.Marshal(resp)
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))

	return ts
}

func (ts *wsTestServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func (ts *wsTestServer) Close() {
	ts.server.Close()
}

func newTestAdapter(t *testing.T, handler func(msg wire.Message) *wire.Message) (*Adapter, *wsTestServer) {
	t.Helper()
	ts := newWSTestServer(t, handler)

	a := New(config.AdapterConfig{
		EvaluateTimeoutMs: 2000,
		ListSessionsTTLMs: 2000,
	}, newTestLogger(t))

	conn := ts.dial(t)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	go a.readLoop(conn)

	return a, ts
}

func TestEvaluateRoundTrip(t *testing.T) {
	a, ts := newTestAdapter(t, func(msg wire.Message) *wire.Message {
		resp, err := wire.NewResponse(msg.ID, wire.Action(msg.Action), map[string]string{"result": "ok"})
		require.NoError(t, err)
		return resp
	})
	defer ts.Close()
	defer a.Close()

	resp, err := a.Evaluate(context.Background(), "1+1", true)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, resp.ParsePayload(&decoded))
	assert.Equal(t, "ok", decoded["result"])
}

func TestEvaluateExecutionFault(t *testing.T) {
	a, ts := newTestAdapter(t, func(msg wire.Message) *wire.Message {
		resp, err := wire.NewError(msg.ID, wire.Action(msg.Action), "EXECUTION_FAULT", "ReferenceError: x is not defined", nil)
		require.NoError(t, err)
		return resp
	})
	defer ts.Close()
	defer a.Close()

	_, err := a.Evaluate(context.Background(), "x", true)
	require.Error(t, err)
	var fault *ExecutionFault
	assert.ErrorAs(t, err, &fault)
}

func TestEvaluateTimeout(t *testing.T) {
	a, ts := newTestAdapter(t, func(msg wire.Message) *wire.Message {
		return nil // never reply
	})
	defer ts.Close()
	defer a.Close()

	a.cfg.EvaluateTimeoutMs = 50
	_, err := a.Evaluate(context.Background(), "slow()", true)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestListSessionsCachesUntilTTLOrForceRefresh(t *testing.T) {
	calls := 0
	a, ts := newTestAdapter(t, func(msg wire.Message) *wire.Message {
		calls++
		sessions := []Session{
			{SessionID: "s1", Title: "first"},
			{SessionID: "__orch_abc_worker_1", Title: "hidden"},
		}
		resp, err := wire.NewResponse(msg.ID, wire.Action(msg.Action), sessions)
		require.NoError(t, err)
		return resp
	})
	defer ts.Close()
	defer a.Close()

	ctx := context.Background()

	sessions, err := a.ListSessions(ctx, false, false)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)

	_, err = a.ListSessions(ctx, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call within TTL must not hit the wire")

	all, err := a.ListSessions(ctx, false, true)
	require.NoError(t, err)
	assert.Len(t, all, 2, "includeHidden must surface worker sessions from the cached list")

	_, err = a.ListSessions(ctx, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "forceRefresh must bypass the cache")
}

func TestSendMessageInvalidatesSessionCache(t *testing.T) {
	a, ts := newTestAdapter(t, func(msg wire.Message) *wire.Message {
		resp, err := wire.NewResponse(msg.ID, wire.Action(msg.Action), []Session{})
		require.NoError(t, err)
		return resp
	})
	defer ts.Close()
	defer a.Close()

	ctx := context.Background()
	_, err := a.ListSessions(ctx, false, true)
	require.NoError(t, err)

	require.NoError(t, a.SendMessage(ctx, "s1", "hello", nil))

	a.sessionsMu.Lock()
	at := a.sessionsAt
	a.sessionsMu.Unlock()
	assert.True(t, at.IsZero(), "sendMessage must invalidate the session cache")
}

func TestCleanupPendingRequestsUnblocksOnClose(t *testing.T) {
	a, ts := newTestAdapter(t, func(msg wire.Message) *wire.Message {
		return nil
	})
	defer ts.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Evaluate(context.Background(), "never()", true)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	require.NotNil(t, conn)
	_ = conn.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was never unblocked after connection close")
	}
}
