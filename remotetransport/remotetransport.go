// Package remotetransport replaces local engine commands with a
// persistent TCP connection to a remote host when "remote mode" is
// enabled: the same request-id correlation as enginesession, but framed
// over a socket instead of a child process's stdio, with reconnect and an
// optional auth handshake.
package remotetransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/jsonutil"
	"github.com/lattice-run/enginehost/linecodec"
)

// Budgets mirroring enginesession's, since the correlation semantics are
// identical; the transport is just a different wire.
const (
	RequestTimeout = 5 * time.Minute
	DialTimeout    = 15 * time.Second
)

// Reconnect backoff: exponential with jitter, unbounded retries since a
// remote host outage should not give up permanently.
const (
	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMultiplier      = 2.0
	retryJitter          = 0.5
)

// unsolicitedMethods are forwarded verbatim to the EventSink rather than
// treated as responses to a pending call.
const (
	methodAppServerEvent = "app-server-event"
	methodTerminalOutput = "terminal-output"
)

type pendingCall struct {
	result chan rpcOutcome
}

type rpcOutcome struct {
	value map[string]any
	err   error
}

type writeRequest struct {
	value any
	errCh chan error
}

// Config configures one remote connection.
type Config struct {
	Addr      string // host:port
	AuthToken string // optional; if set, the first request after connect is "auth"
}

// Transport owns one logical connection to a remote host, reconnecting on
// disconnect. Callers see it as a single long-lived object; the
// underlying net.Conn is discarded and redialed transparently.
type Transport struct {
	cfg  Config
	sink enginehost.EventSink

	mu     sync.Mutex
	conn   net.Conn
	reader *linecodec.Reader
	writer *linecodec.Writer
	writes chan writeRequest

	pendMu sync.Mutex
	pend   map[int64]*pendingCall
	nextID atomic.Int64

	connMu    sync.Mutex
	connected atomic.Bool

	closed chan struct{}
	once   sync.Once
}

// New returns a Transport for cfg, delivering unsolicited events to sink.
// No connection is made until the first call.
func New(cfg Config, sink enginehost.EventSink) *Transport {
	return &Transport{
		cfg:    cfg,
		sink:   sink,
		pend:   make(map[int64]*pendingCall),
		closed: make(chan struct{}),
	}
}

// Call sends {id, method, params} and blocks for the matching response, or
// until ctx is done, the request budget elapses, or the connection drops.
// Call reconnects transparently if the transport is currently
// disconnected.
func (t *Transport) Call(ctx context.Context, method string, params any) (map[string]any, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	id := t.nextID.Add(1)
	call := &pendingCall{result: make(chan rpcOutcome, 1)}

	t.pendMu.Lock()
	t.pend[id] = call
	t.pendMu.Unlock()

	if err := t.write(map[string]any{"id": id, "method": method, "params": params}); err != nil {
		t.removePending(id)
		return nil, err
	}

	timeout := RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-call.result:
		return out.value, out.err
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	case <-timer.C:
		t.removePending(id)
		return nil, enginehost.ErrRequestTimeout
	case <-t.closed:
		return nil, enginehost.ErrDisconnected
	}
}

// Close permanently shuts the transport down; subsequent calls fail with
// ErrTerminated.
func (t *Transport) Close() {
	t.once.Do(func() {
		close(t.closed)
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
	})
}

func (t *Transport) ensureConnected(ctx context.Context) error {
	select {
	case <-t.closed:
		return enginehost.ErrTerminated
	default:
	}
	if t.connected.Load() {
		return nil
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.connected.Load() {
		return nil
	}

	return t.dial(ctx)
}

// dial establishes one connection, retrying with exponential backoff and
// jitter until it succeeds or ctx/t.closed ends the attempt. Must be
// called with connMu held.
func (t *Transport) dial(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = retryJitter
	b.MaxElapsedTime = 0 // unbounded: keep retrying until ctx/Close ends it
	bo := backoff.WithContext(b, ctx)

	var conn net.Conn
	op := func() error {
		select {
		case <-t.closed:
			return backoff.Permanent(enginehost.ErrTerminated)
		default:
		}
		dialer := net.Dialer{Timeout: DialTimeout}
		c, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return enginehost.NewHostError(enginehost.KindSpawnIO, "dial remote host", err)
	}

	t.conn = conn
	t.reader = linecodec.NewReader(conn)
	t.writer = linecodec.NewWriter(conn)
	t.writes = make(chan writeRequest, 64)
	t.connected.Store(true)

	go t.writeLoop(t.writes, t.writer)
	go t.readLoop(conn, t.reader)

	if t.cfg.AuthToken != "" {
		if _, err := t.Call(ctx, "auth", map[string]any{"token": t.cfg.AuthToken}); err != nil {
			t.handleDisconnect(fmt.Errorf("remotetransport: auth failed: %w", err))
			return err
		}
	}
	return nil
}

// write enqueues v on the single writer goroutine's channel and waits for
// it to be flushed. The channel is buffered to 64 entries, not unbounded:
// while it is full, write blocks until the writer drains an entry.
func (t *Transport) write(v any) error {
	t.connMu.Lock()
	writes := t.writes
	t.connMu.Unlock()
	if writes == nil || !t.connected.Load() {
		return enginehost.ErrDisconnected
	}

	errCh := make(chan error, 1)
	select {
	case writes <- writeRequest{value: v, errCh: errCh}:
	case <-t.closed:
		return enginehost.ErrTerminated
	}
	select {
	case err := <-errCh:
		return err
	case <-t.closed:
		return enginehost.ErrTerminated
	}
}

// writeLoop is the transport's single writer task: one goroutine drains
// the channel and serializes every write, so no two Call invocations ever
// interleave bytes on the socket.
func (t *Transport) writeLoop(writes chan writeRequest, w *linecodec.Writer) {
	for req := range writes {
		req.errCh <- w.WriteValue(req.value)
	}
}

// readLoop decodes incoming lines, correlating responses by id and
// forwarding unsolicited app-server-event / terminal-output messages to
// the sink. Runs until the connection breaks, then marks the transport
// disconnected; the next Call redials.
func (t *Transport) readLoop(conn net.Conn, r *linecodec.Reader) {
	for {
		value, _, err := r.ReadValue()
		if err != nil {
			t.handleDisconnect(enginehost.NewHostError(enginehost.KindDisconnection, "remote read loop", err))
			return
		}
		m, ok := value.(map[string]any)
		if !ok {
			continue
		}
		t.dispatch(m)
	}
}

func (t *Transport) dispatch(m map[string]any) {
	id, hasID := jsonutil.GetID(m, "id")
	_, hasResult := m["result"]
	_, hasError := m["error"]

	if hasID && (hasResult || hasError) {
		t.resolvePending(id, m)
		return
	}

	method, _ := m["method"].(string)
	if method == "" {
		return
	}
	t.deliverUnsolicited(method, m)
}

// deliverUnsolicited forwards app-server-event and terminal-output
// messages verbatim to the sink; any other method with no id is dropped,
// since it is not one of the two reserved unsolicited shapes.
func (t *Transport) deliverUnsolicited(method string, m map[string]any) {
	if t.sink == nil {
		return
	}
	params := jsonutil.GetMap(m, "params")

	switch method {
	case methodAppServerEvent:
		var ev enginehost.EngineEvent
		if b, err := json.Marshal(params["params"]); err == nil {
			_ = json.Unmarshal(b, &ev)
		}
		wsID, _ := params["workspace_id"].(string)
		if wsID == "" {
			wsID = string(ev.WorkspaceID)
		}
		t.sink.EmitAppServerEvent(enginehost.AppServerEvent{
			WorkspaceID: enginehost.WorkspaceID(wsID),
			Method:      jsonutil.GetString(params, "method"),
			Params:      ev,
		})
	case methodTerminalOutput:
		t.sink.EmitTerminalOutput(enginehost.TerminalOutput{
			WorkspaceID: enginehost.WorkspaceID(jsonutil.GetString(params, "workspace_id")),
			TerminalID:  jsonutil.GetString(params, "terminal_id"),
			Data:        jsonutil.GetString(params, "data"),
		})
	}
}

func (t *Transport) resolvePending(id int64, m map[string]any) {
	t.pendMu.Lock()
	call, ok := t.pend[id]
	if ok {
		delete(t.pend, id)
	}
	t.pendMu.Unlock()
	if !ok {
		return
	}
	if errVal, hasErr := m["error"]; hasErr {
		call.result <- rpcOutcome{err: fmt.Errorf("%v", errVal)}
		return
	}
	result, _ := m["result"].(map[string]any)
	call.result <- rpcOutcome{value: result}
}

func (t *Transport) removePending(id int64) {
	t.pendMu.Lock()
	delete(t.pend, id)
	t.pendMu.Unlock()
}

// handleDisconnect resolves every pending waiter with the fixed
// disconnected error and discards the connection so the next Call
// reconnects from scratch.
func (t *Transport) handleDisconnect(cause error) {
	t.connMu.Lock()
	if !t.connected.CompareAndSwap(true, false) {
		t.connMu.Unlock()
		return
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	if t.writes != nil {
		close(t.writes)
		t.writes = nil
	}
	t.connMu.Unlock()

	t.pendMu.Lock()
	pending := t.pend
	t.pend = make(map[int64]*pendingCall)
	t.pendMu.Unlock()
	for _, call := range pending {
		call.result <- rpcOutcome{err: enginehost.ErrDisconnected}
	}

	_ = cause
}
