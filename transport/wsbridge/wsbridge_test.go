package wsbridge

import (
	"bytes"
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

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/ptybroker"
)

type fakeTerminalBroker struct {
	opened  []ptybroker.Key
	written map[ptybroker.Key]string
	closed  []ptybroker.Key
	failAll bool
}

func newFakeTerminalBroker() *fakeTerminalBroker {
	return &fakeTerminalBroker{written: make(map[ptybroker.Key]string)}
}

func (f *fakeTerminalBroker) Open(key ptybroker.Key, cols, rows int) error {
	if f.failAll {
		return enginehost.ErrPTYNotFound
	}
	f.opened = append(f.opened, key)
	return nil
}

func (f *fakeTerminalBroker) Write(key ptybroker.Key, data string) error {
	if f.failAll {
		return enginehost.ErrPTYNotFound
	}
	f.written[key] += data
	return nil
}

func (f *fakeTerminalBroker) Resize(key ptybroker.Key, cols, rows int) error {
	if f.failAll {
		return enginehost.ErrPTYNotFound
	}
	return nil
}

func (f *fakeTerminalBroker) Close(key ptybroker.Key) error {
	if f.failAll {
		return enginehost.ErrPTYNotFound
	}
	f.closed = append(f.closed, key)
	return nil
}

type fakeEngineDispatcher struct {
	sentTurns       []enginehost.SendMessageParams
	activeEngine    enginehost.EngineType
	detectResult    map[enginehost.EngineType]enginehost.EngineStatus
	failSend        bool
	failActivate    bool
	interruptTurn   enginehost.TurnID
	interruptFound  bool
	interruptedArgs []enginehost.EngineType
}

func newFakeEngineDispatcher() *fakeEngineDispatcher {
	return &fakeEngineDispatcher{
		activeEngine: enginehost.EngineClaude,
		detectResult: map[enginehost.EngineType]enginehost.EngineStatus{
			enginehost.EngineClaude: {EngineType: enginehost.EngineClaude, Installed: true},
		},
	}
}

func (f *fakeEngineDispatcher) SendMessage(ctx context.Context, workspace enginehost.WorkspaceID, workspaceDir string, workspaceEngine enginehost.EngineType, params enginehost.SendMessageParams) (enginehost.TurnID, error) {
	if f.failSend {
		return "", enginehost.ErrUnavailable
	}
	f.sentTurns = append(f.sentTurns, params)
	return "turn-1", nil
}

func (f *fakeEngineDispatcher) DetectEngines(ctx context.Context) map[enginehost.EngineType]enginehost.EngineStatus {
	return f.detectResult
}

func (f *fakeEngineDispatcher) SetActiveEngine(engine enginehost.EngineType) error {
	if f.failActivate {
		return enginehost.ErrUnavailable
	}
	f.activeEngine = engine
	return nil
}

func (f *fakeEngineDispatcher) ActiveEngine() enginehost.EngineType {
	return f.activeEngine
}

func (f *fakeEngineDispatcher) Interrupt(workspace enginehost.WorkspaceID, workspaceEngine enginehost.EngineType) (enginehost.TurnID, bool) {
	f.interruptedArgs = append(f.interruptedArgs, workspaceEngine)
	return f.interruptTurn, f.interruptFound
}

func TestHub_BroadcastsAppServerEventToWebSocketClient(t *testing.T) {
	hub := NewHub()
	srv := NewServer(Config{}, hub, newFakeTerminalBroker(), newFakeEngineDispatcher())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	hub.EmitAppServerEvent(enginehost.AppServerEvent{
		WorkspaceID: "ws-1",
		Method:      "text:delta",
		Params:      enginehost.EngineEvent{Kind: enginehost.EventTextDelta, WorkspaceID: "ws-1"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wireMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "app-server-event", msg.Kind)
}

func TestServer_OpenWriteResizeCloseTerminal(t *testing.T) {
	hub := NewHub()
	broker := newFakeTerminalBroker()
	srv := NewServer(Config{}, hub, broker, newFakeEngineDispatcher())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	base := ts.URL + "/workspaces/ws-1/terminals/term-1"

	openBody, _ := json.Marshal(openResizeRequest{Cols: 80, Rows: 24})
	resp, err := http.Post(base+"/open", "application/json", bytes.NewReader(openBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	writeBody, _ := json.Marshal(writeRequest{Data: "ls\n"})
	resp, err = http.Post(base+"/write", "application/json", bytes.NewReader(writeBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "ls\n", broker.written[ptybroker.Key{Workspace: "ws-1", TerminalID: "term-1"}])

	resizeBody, _ := json.Marshal(openResizeRequest{Cols: 100, Rows: 30})
	resp, err = http.Post(base+"/resize", "application/json", bytes.NewReader(resizeBody))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, base+"/", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, broker.closed, ptybroker.Key{Workspace: "ws-1", TerminalID: "term-1"})
}

func TestServer_WriteToMissingTerminalReturns404(t *testing.T) {
	hub := NewHub()
	broker := newFakeTerminalBroker()
	broker.failAll = true
	srv := NewServer(Config{}, hub, broker, newFakeEngineDispatcher())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(writeRequest{Data: "x"})
	resp, err := http.Post(ts.URL+"/workspaces/ws-1/terminals/missing/write", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SendMessage(t *testing.T) {
	hub := NewHub()
	dispatcher := newFakeEngineDispatcher()
	srv := NewServer(Config{}, hub, newFakeTerminalBroker(), dispatcher)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(sendMessageRequest{
		SendMessageParams: enginehost.SendMessageParams{Text: "hello"},
		WorkspaceDir:      "/tmp/ws-1",
	})
	resp, err := http.Post(ts.URL+"/workspaces/ws-1/send_message", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "turn-1", out["turn_id"])
	assert.Equal(t, "started", out["status"])

	require.Len(t, dispatcher.sentTurns, 1)
	assert.Equal(t, "hello", dispatcher.sentTurns[0].Text)
}

func TestServer_SendMessageFailure(t *testing.T) {
	hub := NewHub()
	dispatcher := newFakeEngineDispatcher()
	dispatcher.failSend = true
	srv := NewServer(Config{}, hub, newFakeTerminalBroker(), dispatcher)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(sendMessageRequest{SendMessageParams: enginehost.SendMessageParams{Text: "hi"}})
	resp, err := http.Post(ts.URL+"/workspaces/ws-1/send_message", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_Interrupt(t *testing.T) {
	hub := NewHub()
	dispatcher := newFakeEngineDispatcher()
	dispatcher.interruptTurn = "turn-7"
	dispatcher.interruptFound = true
	srv := NewServer(Config{}, hub, newFakeTerminalBroker(), dispatcher)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/workspaces/ws-1/interrupt", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "turn-7", out["turn_id"])
	assert.Equal(t, true, out["interrupted"])
	require.Len(t, dispatcher.interruptedArgs, 1)
}

func TestServer_InterruptNoTurnInFlight(t *testing.T) {
	hub := NewHub()
	dispatcher := newFakeEngineDispatcher()
	srv := NewServer(Config{}, hub, newFakeTerminalBroker(), dispatcher)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/workspaces/ws-1/interrupt", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "", out["turn_id"])
	assert.Equal(t, false, out["interrupted"])
}

func TestServer_DetectEngines(t *testing.T) {
	hub := NewHub()
	dispatcher := newFakeEngineDispatcher()
	srv := NewServer(Config{}, hub, newFakeTerminalBroker(), dispatcher)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/engines/detect")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]enginehost.EngineStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out["claude"].Installed)
}

func TestServer_SetActiveEngine(t *testing.T) {
	hub := NewHub()
	dispatcher := newFakeEngineDispatcher()
	srv := NewServer(Config{}, hub, newFakeTerminalBroker(), dispatcher)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(setActiveEngineRequest{Engine: enginehost.EngineCodex})
	resp, err := http.Post(ts.URL+"/engines/active", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, enginehost.EngineCodex, dispatcher.activeEngine)
}
