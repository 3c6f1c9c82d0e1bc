// Package enginemanager holds the per-workspace engine registries and
// implements resolve-and-dispatch for send_message: picking which engine
// handles a request, getting-or-creating its session, and fanning the
// turn's events out to a per-turn forwarder.
package enginemanager

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/enginesession"
)

// DetectTimeout bounds the whole detect_engines fan-out; ProbeTimeout
// bounds each individual engine's probe within it.
const (
	DetectTimeout = 10 * time.Second
	ProbeTimeout  = 5 * time.Second
)

// Prober runs a version/help probe for one engine and reports its status.
// Implementations live alongside the adapter packages; enginemanager only
// orchestrates the fan-out.
type Prober interface {
	Probe(ctx context.Context, engine enginehost.EngineType) enginehost.EngineStatus
}

// Config is the resolved, per-engine build configuration (binary override,
// extra PATH roots, and so on) consulted when spawning a session. Kept
// opaque to enginemanager; adapters interpret it.
type Config map[string]any

// sessionEntry pairs a live Session with the adapter-specific state needed
// to resolve a resume id for the next turn (e.g. Codex/OpenCode's
// write-once captured thread id).
type sessionEntry struct {
	session  *enginesession.Session
	resumeID func() string // returns the adapter's currently known thread/session id, or ""
}

// Manager holds engine registries for one process. A single Manager serves
// every workspace: its session map is keyed by (workspace, engine).
type Manager struct {
	mu sync.RWMutex

	activeEngine enginehost.EngineType
	statuses     map[enginehost.EngineType]enginehost.EngineStatus
	configs      map[enginehost.EngineType]Config

	// sessions is keyed by (workspace, engine) so one Manager can serve
	// many workspaces without cross-workspace bleed.
	sessions map[sessionKey]*sessionEntry

	prober Prober
	turns  *ulid.MonotonicEntropy
	turnMu sync.Mutex

	inFlightMu sync.Mutex
	inFlight   map[sessionKey]*inFlightTurn
}

// inFlightTurn is the bookkeeping Dispatch registers for the duration of
// one turn, so a later Interrupt(workspace, engine) call can find and
// cancel it.
type inFlightTurn struct {
	turn   enginehost.TurnID
	cancel context.CancelFunc
}

type sessionKey struct {
	workspace enginehost.WorkspaceID
	engine    enginehost.EngineType
}

// New returns an empty Manager. prober is consulted by DetectEngines.
func New(prober Prober) *Manager {
	return &Manager{
		activeEngine: enginehost.DefaultEngineType,
		statuses:     make(map[enginehost.EngineType]enginehost.EngineStatus),
		configs:      make(map[enginehost.EngineType]Config),
		sessions:     make(map[sessionKey]*sessionEntry),
		prober:       prober,
		turns:        ulid.Monotonic(rand.Reader, 0),
		inFlight:     make(map[sessionKey]*inFlightTurn),
	}
}

// isSpawnPerTurn reports whether engine starts a brand-new child process
// for every turn (Codex, OpenCode) rather than keeping one interactive
// session alive across many turns (Claude). Interrupt uses this to decide
// whether canceling the in-flight turn also requires killing the child:
// for a spawn-per-turn engine, the process IS the turn.
func isSpawnPerTurn(engine enginehost.EngineType) bool {
	return engine == enginehost.EngineCodex || engine == enginehost.EngineOpencode
}

// SetActiveEngine refuses to select an engine that is not known-installed,
// consulting the status cache (populated by the most recent DetectEngines).
func (m *Manager) SetActiveEngine(t enginehost.EngineType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[t]
	if !ok || !st.Installed {
		return fmt.Errorf("enginemanager: engine %q is not installed", t)
	}
	m.activeEngine = t
	return nil
}

// ActiveEngine returns the currently selected engine.
func (m *Manager) ActiveEngine() enginehost.EngineType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeEngine
}

// DetectEngines probes every supported engine in parallel under a single
// bounded DetectTimeout, caching whatever results land before the deadline.
// A probe that errors or times out individually does not cancel its
// siblings: errgroup collects but does not propagate per-probe failure,
// since detect_engines always reports partial results instead of failing
// wholesale.
func (m *Manager) DetectEngines(ctx context.Context) map[enginehost.EngineType]enginehost.EngineStatus {
	ctx, cancel := context.WithTimeout(ctx, DetectTimeout)
	defer cancel()

	engines := enginehost.PreferredEngineOrder()
	results := make([]enginehost.EngineStatus, len(engines))

	g, gctx := errgroup.WithContext(ctx)
	for i, engine := range engines {
		i, engine := i, engine
		g.Go(func() error {
			results[i] = m.probeOne(gctx, engine)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for i, engine := range engines {
		m.statuses[engine] = results[i]
	}
	snapshot := make(map[enginehost.EngineType]enginehost.EngineStatus, len(m.statuses))
	for k, v := range m.statuses {
		snapshot[k] = v
	}
	m.mu.Unlock()

	return snapshot
}

func (m *Manager) probeOne(ctx context.Context, engine enginehost.EngineType) enginehost.EngineStatus {
	pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	if m.prober == nil {
		return enginehost.EngineStatus{EngineType: engine, Installed: false}
	}

	status := m.prober.Probe(pctx, engine)
	status.DetectedAt = time.Now()
	return status
}

// Status returns the cached status for engine, or the zero value with
// Installed=false if it has never been probed.
func (m *Manager) Status(engine enginehost.EngineType) enginehost.EngineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[engine]
}

// ResolveEngine implements the workspace setting > app default >
// preferred-order priority from §4.6 step 1. workspaceSetting and
// appDefault are both optional (empty EngineType means "unset").
func (m *Manager) ResolveEngine(workspaceSetting, appDefault enginehost.EngineType) enginehost.EngineType {
	if workspaceSetting != "" && m.isUsable(workspaceSetting) {
		return workspaceSetting
	}
	if appDefault != "" && m.isUsable(appDefault) {
		return appDefault
	}
	for _, engine := range enginehost.PreferredEngineOrder() {
		if m.isUsable(engine) {
			return engine
		}
	}
	return enginehost.DefaultEngineType
}

func (m *Manager) isUsable(engine enginehost.EngineType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[engine]
	return ok && st.Installed
}

// SetConfig stores the resolved build configuration for engine.
func (m *Manager) SetConfig(engine enginehost.EngineType, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[engine] = cfg
}

// GetConfig returns the stored configuration for engine, if any.
func (m *Manager) GetConfig(engine enginehost.EngineType) (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[engine]
	return cfg, ok
}

// Starter spawns a new session for (workspace, engine) on demand. Supplied
// by the caller (the daemon wiring layer), since only it knows how to
// build adapter-specific StartRequests.
type Starter func(ctx context.Context, workspace enginehost.WorkspaceID, engine enginehost.EngineType) (*enginesession.Session, func() string, error)

// GetOrCreateSession returns the live session for (workspace, engine),
// spawning one via start if absent. The returned resumeID func reports the
// adapter's currently captured thread/session id, used to compute
// resolved_session_id for the next turn.
func (m *Manager) GetOrCreateSession(ctx context.Context, workspace enginehost.WorkspaceID, engine enginehost.EngineType, start Starter) (*enginesession.Session, func() string, error) {
	key := sessionKey{workspace, engine}

	m.mu.RLock()
	entry, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok && entry.session.State() != enginesession.Terminated {
		return entry.session, entry.resumeID, nil
	}

	session, resumeID, err := start(ctx, workspace, engine)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.sessions[key] = &sessionEntry{session: session, resumeID: resumeID}
	m.mu.Unlock()

	return session, resumeID, nil
}

// ResolveSessionID implements §4.6 step 3: explicit session_id wins; else
// the session's own tracked id iff continue_session; reusing the tracked
// id when continue_session is false is forbidden (invariant 5).
func ResolveSessionID(explicit string, continueSession bool, trackedID func() string) string {
	if explicit != "" {
		return explicit
	}
	if !continueSession {
		return ""
	}
	if trackedID == nil {
		return ""
	}
	return trackedID()
}

// NewTurnID mints a fresh turn id for one send_message call.
func (m *Manager) NewTurnID() enginehost.TurnID {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()
	return enginehost.NewTurnID(m.turns)
}

// SendWorker is the adapter-specific send path invoked by Dispatch's
// background worker: it writes the turn's message to the engine and
// returns only once the write (not the reply) has been issued, or an
// error if the write itself failed.
type SendWorker func(ctx context.Context, session *enginesession.Session, turn enginehost.TurnID) error

// Dispatch implements §4.6 step 4: registers a terminal-watching forwarder
// for turn keyed by the TurnID every adapter now stamps on its translated
// events (not by thread id, which real engines never echo back as the
// host's own turn id), tracks the turn as interruptible, spawns worker in
// the background, and — if worker fails — injects a synthetic turn:error
// so the forwarder is not left hanging forever. Event delivery to sink
// itself happens unconditionally inside the session (see
// enginesession.Session.emit); the forwarder here only watches for
// termination.
func (m *Manager) Dispatch(ctx context.Context, workspace enginehost.WorkspaceID, engine enginehost.EngineType, session *enginesession.Session, turn enginehost.TurnID, worker SendWorker, sink enginehost.EventSink) {
	turnCtx, cancel := context.WithCancel(ctx)
	key := sessionKey{workspace, engine}
	m.trackTurn(key, turn, cancel)

	events := make(chan enginehost.EngineEvent, 64)
	deregister := session.RegisterTurnForwarder(turn, events)

	finish := func() {
		deregister()
		cancel()
		m.untrackTurn(key, turn)
	}

	go func() {
		defer finish()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.IsTerminal() {
					return
				}
			case <-session.Done():
				return
			case <-turnCtx.Done():
				return
			}
		}
	}()

	go func() {
		err := worker(turnCtx, session, turn)
		if err != nil && turnCtx.Err() == nil {
			if sink != nil {
				sink.EmitAppServerEvent(enginehost.NewAppServerEvent(enginehost.EngineEvent{
					Kind:        enginehost.EventTurnError,
					WorkspaceID: workspace,
					TurnID:      turn,
					Error:       err.Error(),
				}))
			}
		}
	}()
}

func (m *Manager) trackTurn(key sessionKey, turn enginehost.TurnID, cancel context.CancelFunc) {
	m.inFlightMu.Lock()
	m.inFlight[key] = &inFlightTurn{turn: turn, cancel: cancel}
	m.inFlightMu.Unlock()
}

func (m *Manager) untrackTurn(key sessionKey, turn enginehost.TurnID) {
	m.inFlightMu.Lock()
	if cur, ok := m.inFlight[key]; ok && cur.turn == turn {
		delete(m.inFlight, key)
	}
	m.inFlightMu.Unlock()
}

// Interrupt implements the `Ready --interrupt--> Ready` transition of
// §4.4: it cancels the in-flight turn for (workspace, engine), if any,
// without itself emitting any terminal event — callers that need to
// unblock a waiting UI are responsible for sending their own turn:error.
// Canceling turnCtx stops Dispatch's worker/forwarder pair; for a
// spawn-per-turn engine (Codex, OpenCode) that alone does not halt the
// child's own in-flight work, so the session is also killed outright,
// since that single process IS the turn. Claude's persistent session is
// left running, since further turns on it are still expected. Reports the
// canceled turn id and whether a turn was actually in flight.
func (m *Manager) Interrupt(workspace enginehost.WorkspaceID, engine enginehost.EngineType) (enginehost.TurnID, bool) {
	key := sessionKey{workspace, engine}

	m.inFlightMu.Lock()
	cur, ok := m.inFlight[key]
	if ok {
		delete(m.inFlight, key)
	}
	m.inFlightMu.Unlock()
	if !ok {
		return "", false
	}
	cur.cancel()

	if isSpawnPerTurn(engine) {
		m.mu.RLock()
		entry, hasSession := m.sessions[key]
		m.mu.RUnlock()
		if hasSession {
			entry.session.Interrupt()
		}
	}
	return cur.turn, true
}
