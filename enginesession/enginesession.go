// Package enginesession implements the per-(workspace, engine) JSON-RPC
// session over a child process's stdio: one read loop, one write lock, a
// monotonic correlation table for request/response matching,
// background-thread routing for streamed updates that belong to a specific
// caller rather than the general event sink, and a turn-scoped forwarder
// tee keyed by the host-minted turn id every adapter now stamps on its
// translated events.
//
// The session itself knows nothing about any particular engine's wire
// format; translation from decoded JSON into enginehost.EngineEvent is
// delegated to an Adapter (see package adapter/claude, adapter/codex,
// adapter/opencode).
package enginesession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/jsonutil"
	"github.com/lattice-run/enginehost/internal/utf8stream"
	"github.com/lattice-run/enginehost/linecodec"
	"github.com/lattice-run/enginehost/spawner"
)

// State is the EngineSession lifecycle state (§4.4).
type State int32

const (
	NotStarted State = iota
	Spawning
	Ready
	Terminated
)

// Default budgets per §4.4 / §5.
const (
	RequestTimeout    = 5 * time.Minute
	InitializeTimeout = 15 * time.Second
)

// Adapter translates one decoded JSON value (or a line that failed to
// parse as JSON) into zero or more unified events. Implementations do no
// I/O; the only state they keep is the thread/session id they capture from
// the stream.
type Adapter interface {
	Translate(value map[string]any, rawLine string) []enginehost.EngineEvent
	TranslateParseError(rawLine string, parseErr error) enginehost.EngineEvent
}

// ClientInfo identifies this host to the child during the initialize
// handshake.
type ClientInfo struct {
	Name    string
	Title   string
	Version string
}

// StartRequest configures a new Session. Binary/Args/Dir/Env are resolved
// by the caller (locator + adapter-specific argv + spawner.MergeEnv)
// before Start is called; enginesession only spawns and wires stdio.
type StartRequest struct {
	Workspace  enginehost.WorkspaceID
	Engine     enginehost.EngineType
	Binary     string
	Args       []string
	Dir        string
	Env        []string
	WantStdin  bool
	Shell      bool
	Adapter    Adapter
	Sink       enginehost.EventSink
	ClientInfo ClientInfo
}

type pendingCall struct {
	result chan rpcOutcome
}

type rpcOutcome struct {
	value map[string]any
	err   error
}

// Session is one live engine child process plus its correlation table.
type Session struct {
	workspace enginehost.WorkspaceID
	engine    enginehost.EngineType
	adapter   Adapter
	sink      enginehost.EventSink

	handle *spawner.Handle
	reader *linecodec.Reader
	writer *linecodec.Writer

	mu      sync.Mutex
	pending map[int64]*pendingCall
	nextID  atomic.Int64

	bgMu       sync.Mutex
	background map[enginehost.ThreadID]chan<- enginehost.EngineEvent

	turnMu sync.Mutex
	byTurn map[enginehost.TurnID]chan<- enginehost.EngineEvent

	state atomic.Int32
	seq   atomic.Uint64

	done    chan struct{}
	doneErr error
	once    sync.Once
}

// Start spawns the child, wires the line codec over its stdio, runs the
// initialize handshake with a 15-second timeout, and — on success —
// starts the background read and stderr-relay loops. On handshake
// failure the child is killed and the session is Terminated.
func Start(ctx context.Context, req StartRequest) (*Session, error) {
	s := &Session{
		workspace:  req.Workspace,
		engine:     req.Engine,
		adapter:    req.Adapter,
		sink:       req.Sink,
		pending:    make(map[int64]*pendingCall),
		background: make(map[enginehost.ThreadID]chan<- enginehost.EngineEvent),
		byTurn:     make(map[enginehost.TurnID]chan<- enginehost.EngineEvent),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(Spawning))

	handle, err := spawner.Spawn(spawner.Request{
		Binary:    req.Binary,
		Args:      req.Args,
		Dir:       req.Dir,
		Env:       req.Env,
		WantStdin: true,
		Shell:     req.Shell,
	})
	if err != nil {
		s.state.Store(int32(Terminated))
		return nil, enginehost.NewHostError(enginehost.KindSpawnIO, "spawn engine process", err)
	}
	s.handle = handle
	s.reader = linecodec.NewReader(handle.Stdout)
	s.writer = linecodec.NewWriter(handle.Stdin)

	go s.readLoop()
	go s.stderrRelay()
	go s.waitExit()

	hctx, cancel := context.WithTimeout(ctx, InitializeTimeout)
	defer cancel()
	if err := s.handshake(hctx, req.ClientInfo); err != nil {
		s.kill()
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", enginehost.ErrInitializeTimeout, err)
		}
		return nil, enginehost.NewHostError(enginehost.KindTimeout, "initialize handshake failed", err)
	}

	s.state.Store(int32(Ready))
	s.emitSystemEvent("codex/connected", map[string]any{"workspace_id": string(s.workspace)})

	return s, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done returns a channel closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal cause after Done is closed, or nil before that
// or on a clean exit.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.doneErr
	default:
		return nil
	}
}

func (s *Session) handshake(ctx context.Context, ci ClientInfo) error {
	params := map[string]any{
		"clientInfo": map[string]any{
			"name":    ci.Name,
			"title":   ci.Title,
			"version": ci.Version,
		},
	}
	if _, err := s.SendRequest(ctx, "initialize", params); err != nil {
		return err
	}
	return s.SendNotification("initialized", nil)
}

// SendRequest allocates the next monotonic id, registers a one-shot
// waiter, writes the framed request, and blocks for a response or the
// 5-minute request budget (15s is supplied by the caller during the
// initialize handshake via ctx). On timeout, disconnection, or ctx
// cancellation the waiter is removed and never resolved again.
func (s *Session) SendRequest(ctx context.Context, method string, params any) (map[string]any, error) {
	if s.State() == Terminated {
		return nil, enginehost.ErrTerminated
	}

	id := s.nextID.Add(1)
	call := &pendingCall{result: make(chan rpcOutcome, 1)}

	s.mu.Lock()
	s.pending[id] = call
	s.mu.Unlock()

	if err := s.writer.WriteValue(map[string]any{"id": id, "method": method, "params": params}); err != nil {
		s.removePending(id)
		return nil, enginehost.NewHostError(enginehost.KindSpawnIO, fmt.Sprintf("write %s", method), err)
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
		s.removePending(id)
		return nil, ctx.Err()
	case <-timer.C:
		s.removePending(id)
		return nil, enginehost.ErrRequestTimeout
	case <-s.done:
		s.removePending(id)
		return nil, enginehost.ErrDisconnected
	}
}

// WriteRaw writes v directly to the child's stdin, bypassing request/
// response correlation. Streaming backends whose stdin protocol is not the
// {id, method, params} JSON-RPC shape (Claude's framed user messages) use
// this instead of SendRequest/SendNotification.
func (s *Session) WriteRaw(v any) error {
	if s.State() == Terminated {
		return enginehost.ErrTerminated
	}
	return s.writer.WriteValue(v)
}

// SendNotification writes a method call with no id and expects no
// response.
func (s *Session) SendNotification(method string, params any) error {
	v := map[string]any{"method": method}
	if params != nil {
		v["params"] = params
	}
	return s.writer.WriteValue(v)
}

// SendResponse replies to a server-initiated request (e.g. an approval
// prompt) with the given result.
func (s *Session) SendResponse(id int64, result any) error {
	return s.writer.WriteValue(map[string]any{"id": id, "result": result})
}

// RegisterBackgroundThread routes subsequent streamed messages carrying
// threadID to ch instead of the general sink. The returned function
// deregisters the route; callers MUST call it once done to avoid leaking
// the map entry.
func (s *Session) RegisterBackgroundThread(threadID enginehost.ThreadID, ch chan<- enginehost.EngineEvent) (deregister func()) {
	s.bgMu.Lock()
	s.background[threadID] = ch
	s.bgMu.Unlock()
	return func() {
		s.bgMu.Lock()
		delete(s.background, threadID)
		s.bgMu.Unlock()
	}
}

// RegisterTurnForwarder additively tees every event carrying turn (as
// stamped by the adapter that produced it, see enginemanager.Dispatch) to
// ch, in addition to its normal delivery through the general sink. Unlike
// RegisterBackgroundThread this never diverts delivery: Dispatch uses it
// purely to know when a single turn's events have reached a terminal one,
// not to withhold them from the sink. The returned function deregisters
// the route; callers MUST call it once done to avoid leaking the map
// entry.
func (s *Session) RegisterTurnForwarder(turn enginehost.TurnID, ch chan<- enginehost.EngineEvent) (deregister func()) {
	s.turnMu.Lock()
	s.byTurn[turn] = ch
	s.turnMu.Unlock()
	return func() {
		s.turnMu.Lock()
		delete(s.byTurn, turn)
		s.turnMu.Unlock()
	}
}

func (s *Session) forwardToTurn(ev enginehost.EngineEvent) {
	if ev.TurnID == "" {
		return
	}
	s.turnMu.Lock()
	ch, ok := s.byTurn[ev.TurnID]
	s.turnMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	case <-s.done:
	default:
	}
}

func (s *Session) removePending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop is the session's single read task: decode, correlate or route,
// translate, emit. Runs until the reader returns an unrecoverable error.
func (s *Session) readLoop() {
	for {
		value, rawLine, err := s.reader.ReadValue()
		if err != nil {
			var parseErr *linecodec.ParseError
			if errors.As(err, &parseErr) {
				ev := s.adapter.TranslateParseError(rawLine, parseErr.Err)
				s.emit(ev)
				continue
			}
			if errors.Is(err, io.EOF) {
				s.terminate(enginehost.ErrDisconnected)
			} else {
				s.terminate(enginehost.NewHostError(enginehost.KindDisconnection, "read loop", err))
			}
			return
		}

		m, ok := value.(map[string]any)
		if !ok {
			if value == nil && rawLine == "" {
				continue
			}
			ev := s.adapter.TranslateParseError(rawLine, fmt.Errorf("non-object JSON value"))
			s.emit(ev)
			continue
		}

		s.dispatch(m, rawLine)
	}
}

func (s *Session) dispatch(m map[string]any, rawLine string) {
	id, hasID := jsonutil.GetID(m, "id")
	_, hasResult := m["result"]
	_, hasError := m["error"]

	if hasID && (hasResult || hasError) {
		s.resolvePending(id, m)
		return
	}

	method, _ := m["method"].(string)

	if threadID, ok := s.extractBackgroundThread(m); ok {
		s.bgMu.Lock()
		ch, routed := s.background[threadID]
		s.bgMu.Unlock()
		if routed {
			var ev enginehost.EngineEvent
			if evs := s.adapter.Translate(m, rawLine); len(evs) > 0 {
				ev = evs[0]
			}
			select {
			case ch <- ev:
			case <-s.done:
			}
			return
		}
	}

	if method == "" && !hasID {
		return
	}

	for _, ev := range s.adapter.Translate(m, rawLine) {
		s.emit(ev)
	}
}

// extractBackgroundThread looks for a thread/session id under any of the
// wire-shape variants the supported engines use, within params.
func (s *Session) extractBackgroundThread(m map[string]any) (enginehost.ThreadID, bool) {
	params := jsonutil.GetMap(m, "params")
	if params == nil {
		return "", false
	}
	id := jsonutil.GetStringAny(params, "threadId", "thread_id", "sessionId", "session_id")
	if id == "" {
		id = jsonutil.GetStringPath(params, "thread.id")
	}
	if id == "" {
		return "", false
	}
	return enginehost.ThreadID(id), true
}

func (s *Session) resolvePending(id int64, m map[string]any) {
	s.mu.Lock()
	call, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
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

func (s *Session) stderrRelay() {
	if s.handle.Stderr == nil {
		return
	}
	var dec utf8stream.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := s.handle.Stderr.Read(buf)
		if n > 0 {
			if text := dec.Feed(buf[:n]); text != "" {
				s.emitSystemEvent("codex/stderr", map[string]any{"text": text})
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitExit() {
	err := s.handle.Cmd.Wait()
	s.terminate(err)
}

func (s *Session) terminate(cause error) {
	s.once.Do(func() {
		s.state.Store(int32(Terminated))
		s.doneErr = cause

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[int64]*pendingCall)
		s.mu.Unlock()
		for _, call := range pending {
			call.result <- rpcOutcome{err: enginehost.ErrDisconnected}
		}

		close(s.done)

		s.emitSystemEvent("session:ended", map[string]any{"workspace_id": string(s.workspace)})
	})
}

// kill forcibly terminates the child during a failed handshake.
func (s *Session) kill() {
	if s.handle != nil && s.handle.Cmd != nil && s.handle.Cmd.Process != nil {
		_ = s.handle.Cmd.Process.Kill()
	}
}

// Interrupt forcibly kills the child process. Used for engines whose only
// cancellation primitive is killing the process outright (Codex, OpenCode,
// which spawn one process per turn, so the process IS the turn); waitExit
// observes the resulting exit and runs the normal terminate() path,
// closing Done() and emitting session:ended exactly as a natural exit
// would.
func (s *Session) Interrupt() {
	s.kill()
}

func (s *Session) emit(ev enginehost.EngineEvent) {
	ev.WorkspaceID = s.workspace
	ev.Engine = s.engine
	ev.Seq = s.seq.Add(1)
	if s.sink != nil {
		s.sink.EmitAppServerEvent(enginehost.NewAppServerEvent(ev))
	}
	s.forwardToTurn(ev)
}

func (s *Session) emitSystemEvent(method string, data map[string]any) {
	if s.sink == nil {
		return
	}
	ev := enginehost.EngineEvent{
		Kind:        enginehost.EventRaw,
		WorkspaceID: s.workspace,
		Engine:      s.engine,
		Seq:         s.seq.Add(1),
		RawData:     data,
	}
	s.sink.EmitAppServerEvent(enginehost.AppServerEvent{
		WorkspaceID: s.workspace,
		Method:      method,
		Params:      ev,
	})
}
