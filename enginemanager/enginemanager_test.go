package enginemanager

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/enginesession"
)

var errWorkerBoom = errors.New("worker boom")

type fakeProber struct {
	installed map[enginehost.EngineType]bool
	delay     time.Duration
}

func (p *fakeProber) Probe(ctx context.Context, engine enginehost.EngineType) enginehost.EngineStatus {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return enginehost.EngineStatus{EngineType: engine, Installed: false, Error: ctx.Err().Error()}
		}
	}
	return enginehost.EngineStatus{EngineType: engine, Installed: p.installed[engine]}
}

func TestDetectEnginesCachesAllResults(t *testing.T) {
	m := New(&fakeProber{installed: map[enginehost.EngineType]bool{enginehost.EngineClaude: true}})
	statuses := m.DetectEngines(context.Background())

	if !statuses[enginehost.EngineClaude].Installed {
		t.Error("expected claude to be reported installed")
	}
	if statuses[enginehost.EngineCodex].Installed {
		t.Error("expected codex to be reported not installed")
	}
	if m.Status(enginehost.EngineClaude) != statuses[enginehost.EngineClaude] {
		t.Error("Status should reflect the cached DetectEngines result")
	}
}

func TestDetectEnginesPartialResultsOnSlowProbe(t *testing.T) {
	m := New(&fakeProber{delay: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	statuses := m.DetectEngines(ctx)
	for engine, st := range statuses {
		if st.Installed {
			t.Errorf("engine %q should not be installed under a timed-out probe", engine)
		}
	}
}

func TestSetActiveEngineRefusesUninstalled(t *testing.T) {
	m := New(&fakeProber{})
	m.DetectEngines(context.Background())

	if err := m.SetActiveEngine(enginehost.EngineClaude); err == nil {
		t.Error("expected SetActiveEngine to refuse an uninstalled engine")
	}
}

func TestSetActiveEngineAcceptsInstalled(t *testing.T) {
	m := New(&fakeProber{installed: map[enginehost.EngineType]bool{enginehost.EngineCodex: true}})
	m.DetectEngines(context.Background())

	if err := m.SetActiveEngine(enginehost.EngineCodex); err != nil {
		t.Fatalf("SetActiveEngine: %v", err)
	}
	if m.ActiveEngine() != enginehost.EngineCodex {
		t.Errorf("ActiveEngine = %q", m.ActiveEngine())
	}
}

func TestResolveEnginePriority(t *testing.T) {
	m := New(&fakeProber{installed: map[enginehost.EngineType]bool{
		enginehost.EngineClaude: true,
		enginehost.EngineCodex:  true,
	}})
	m.DetectEngines(context.Background())

	if got := m.ResolveEngine("", ""); got != enginehost.EngineClaude {
		t.Errorf("ResolveEngine with no preference = %q, want claude (first usable in preferred order)", got)
	}
	if got := m.ResolveEngine("codex", ""); got != enginehost.EngineCodex {
		t.Errorf("ResolveEngine with a usable workspace setting = %q, want codex", got)
	}
	if got := m.ResolveEngine(enginehost.EngineGemini, enginehost.EngineCodex); got != enginehost.EngineCodex {
		t.Errorf("ResolveEngine should skip an unusable workspace setting and fall through to appDefault, got %q", got)
	}
}

func TestResolveEngineFallsBackToDefaultWhenNoneUsable(t *testing.T) {
	m := New(&fakeProber{})
	m.DetectEngines(context.Background())

	if got := m.ResolveEngine("", ""); got != enginehost.DefaultEngineType {
		t.Errorf("ResolveEngine with nothing usable = %q, want default %q", got, enginehost.DefaultEngineType)
	}
}

func TestSetAndGetConfig(t *testing.T) {
	m := New(&fakeProber{})
	m.SetConfig(enginehost.EngineClaude, Config{"model": "sonnet"})

	cfg, ok := m.GetConfig(enginehost.EngineClaude)
	if !ok || cfg["model"] != "sonnet" {
		t.Errorf("GetConfig = (%v, %v)", cfg, ok)
	}

	if _, ok := m.GetConfig(enginehost.EngineCodex); ok {
		t.Error("GetConfig for an unset engine should report ok=false")
	}
}

func TestResolveSessionID(t *testing.T) {
	tracked := func() string { return "tracked-id" }

	if got := ResolveSessionID("explicit", false, tracked); got != "explicit" {
		t.Errorf("explicit session id should always win, got %q", got)
	}
	if got := ResolveSessionID("", true, tracked); got != "tracked-id" {
		t.Errorf("continue_session with a tracked id = %q, want tracked-id", got)
	}
	if got := ResolveSessionID("", false, tracked); got != "" {
		t.Errorf("continue_session=false must never reuse the tracked id, got %q", got)
	}
	if got := ResolveSessionID("", true, nil); got != "" {
		t.Errorf("a nil tracker must resolve to empty, got %q", got)
	}
}

func TestNewTurnIDIsUnique(t *testing.T) {
	m := New(&fakeProber{})
	first := m.NewTurnID()
	second := m.NewTurnID()
	if first == second {
		t.Error("two NewTurnID calls produced the same id")
	}
}

type nopAdapter struct{}

func (nopAdapter) Translate(map[string]any, string) []enginehost.EngineEvent { return nil }
func (nopAdapter) TranslateParseError(rawLine string, parseErr error) enginehost.EngineEvent {
	return enginehost.EngineEvent{Kind: enginehost.EventRaw}
}

func TestGetOrCreateSessionReusesLiveSession(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	m := New(&fakeProber{})
	calls := 0
	start := func(ctx context.Context, ws enginehost.WorkspaceID, engine enginehost.EngineType) (*enginesession.Session, func() string, error) {
		calls++
		s, err := enginesession.Start(ctx, enginesession.StartRequest{
			Workspace:  ws,
			Engine:     engine,
			Binary:     "/bin/sh",
			Args:       []string{"-c", `read l1; printf '%s\n' '{"id":1,"result":{}}'; sleep 5`},
			Dir:        t.TempDir(),
			Env:        os.Environ(),
			Adapter:    nopAdapter{},
			Sink:       enginehost.NopSink{},
			ClientInfo: enginesession.ClientInfo{Name: "test", Version: "0"},
		})
		return s, func() string { return "" }, err
	}

	s1, _, err := m.GetOrCreateSession(context.Background(), "ws1", enginehost.EngineClaude, start)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	defer s1.Err()

	s2, _, err := m.GetOrCreateSession(context.Background(), "ws1", enginehost.EngineClaude, start)
	if err != nil {
		t.Fatalf("GetOrCreateSession (second call): %v", err)
	}

	if s1 != s2 {
		t.Error("GetOrCreateSession should reuse the live session rather than spawning a second one")
	}
	if calls != 1 {
		t.Errorf("start was called %d times, want 1", calls)
	}
}

type collectingSink struct {
	mu     sync.Mutex
	events []enginehost.AppServerEvent
}

func (c *collectingSink) EmitAppServerEvent(ev enginehost.AppServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectingSink) EmitTerminalOutput(enginehost.TerminalOutput) {}

func (c *collectingSink) snapshot() []enginehost.AppServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]enginehost.AppServerEvent(nil), c.events...)
}

// dispatchTestAdapter turns "item" into a non-terminal text:delta event and
// "done" into a terminal turn:completed event, stamping both with the turn
// it was constructed for — exactly how the real claude/codex/opencode
// adapters behave, deliberately NOT echoing any id off the wire, since a
// real engine never reports the host's own turn id back to it.
type dispatchTestAdapter struct{ turn enginehost.TurnID }

func (a dispatchTestAdapter) Translate(value map[string]any, rawLine string) []enginehost.EngineEvent {
	params, _ := value["params"].(map[string]any)
	switch value["method"] {
	case "item":
		text, _ := params["text"].(string)
		return []enginehost.EngineEvent{{Kind: enginehost.EventTextDelta, TurnID: a.turn, Text: text}}
	case "done":
		return []enginehost.EngineEvent{{Kind: enginehost.EventTurnCompleted, TurnID: a.turn}}
	default:
		return nil
	}
}

func (a dispatchTestAdapter) TranslateParseError(rawLine string, parseErr error) enginehost.EngineEvent {
	return enginehost.EngineEvent{Kind: enginehost.EventRaw, TurnID: a.turn}
}

// relevantDispatchEvents filters out the session's own handshake/shutdown
// bookkeeping events (codex/connected, session:ended), keeping only the
// turn events a forwarder cares about.
func relevantDispatchEvents(all []enginehost.AppServerEvent) []enginehost.AppServerEvent {
	var out []enginehost.AppServerEvent
	for _, ev := range all {
		switch ev.Params.Kind {
		case enginehost.EventTextDelta, enginehost.EventTurnCompleted, enginehost.EventTurnError:
			out = append(out, ev)
		}
	}
	return out
}

func TestDispatchForwardsEventsUntilTerminal(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	script := `read l1; printf '%s\n' '{"id":1,"result":{}}'
read l2
read l3
printf '%s\n' '{"method":"item","params":{"text":"hi"}}'
printf '%s\n' '{"method":"done","params":{}}'`

	turn := enginehost.TurnID("turn-1")
	sink := &collectingSink{}

	s, err := enginesession.Start(context.Background(), enginesession.StartRequest{
		Workspace:  "ws1",
		Engine:     enginehost.EngineClaude,
		Binary:     "/bin/sh",
		Args:       []string{"-c", script},
		Dir:        t.TempDir(),
		Env:        os.Environ(),
		Adapter:    dispatchTestAdapter{turn: turn},
		Sink:       sink,
		ClientInfo: enginesession.ClientInfo{Name: "test", Version: "0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	worker := func(ctx context.Context, session *enginesession.Session, tid enginehost.TurnID) error {
		// Unblocks the script's third read, which triggers the item and
		// done messages the session emits to sink directly.
		return session.SendNotification("go", nil)
	}

	m := New(&fakeProber{})
	m.Dispatch(context.Background(), "ws1", enginehost.EngineClaude, s, turn, worker, sink)

	deadline := time.After(5 * time.Second)
	for {
		if len(relevantDispatchEvents(sink.snapshot())) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 2 events, got %d", len(relevantDispatchEvents(sink.snapshot())))
		case <-time.After(10 * time.Millisecond):
		}
	}

	events := relevantDispatchEvents(sink.snapshot())
	if len(events) != 2 {
		t.Fatalf("got %d turn events, want exactly 2 (stop at first terminal)", len(events))
	}
	if events[0].Params.Kind != enginehost.EventTextDelta {
		t.Errorf("first event kind = %q, want text:delta", events[0].Params.Kind)
	}
	if events[0].Params.TurnID != turn {
		t.Errorf("first event TurnID = %q, want %q", events[0].Params.TurnID, turn)
	}
	if events[1].Params.Kind != enginehost.EventTurnCompleted {
		t.Errorf("second event kind = %q, want turn:completed", events[1].Params.Kind)
	}

	// Give the forwarder goroutine a moment to settle after its terminal
	// return, then confirm the turn is no longer tracked as in-flight.
	time.Sleep(50 * time.Millisecond)
	if _, found := m.Interrupt("ws1", enginehost.EngineClaude); found {
		t.Error("turn should no longer be tracked as in-flight after reaching a terminal event")
	}
}

func TestDispatchInjectsSyntheticTurnErrorOnWorkerFailure(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	turn := enginehost.TurnID("turn-err")
	s, err := enginesession.Start(context.Background(), enginesession.StartRequest{
		Workspace:  "ws1",
		Engine:     enginehost.EngineClaude,
		Binary:     "/bin/sh",
		Args:       []string{"-c", `read l1; printf '%s\n' '{"id":1,"result":{}}'; sleep 5`},
		Dir:        t.TempDir(),
		Env:        os.Environ(),
		Adapter:    dispatchTestAdapter{turn: turn},
		Sink:       enginehost.NopSink{},
		ClientInfo: enginesession.ClientInfo{Name: "test", Version: "0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sink := &collectingSink{}
	wantErr := errWorkerBoom

	m := New(&fakeProber{})
	m.Dispatch(context.Background(), "ws1", enginehost.EngineClaude, s, turn, func(ctx context.Context, session *enginesession.Session, tid enginehost.TurnID) error {
		return wantErr
	}, sink)

	deadline := time.After(5 * time.Second)
	for {
		if len(sink.snapshot()) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the synthetic turn:error event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	events := sink.snapshot()
	if events[0].Params.Kind != enginehost.EventTurnError {
		t.Errorf("event kind = %q, want turn:error", events[0].Params.Kind)
	}
	if events[0].Params.Error != wantErr.Error() {
		t.Errorf("event error = %q, want %q", events[0].Params.Error, wantErr.Error())
	}
}

func TestInterruptCancelsInFlightTurnAndDiscardsTracking(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	turn := enginehost.TurnID("turn-1")
	s, err := enginesession.Start(context.Background(), enginesession.StartRequest{
		Workspace:  "ws1",
		Engine:     enginehost.EngineClaude,
		Binary:     "/bin/sh",
		Args:       []string{"-c", `read l1; printf '%s\n' '{"id":1,"result":{}}'; sleep 5`},
		Dir:        t.TempDir(),
		Env:        os.Environ(),
		Adapter:    dispatchTestAdapter{turn: turn},
		Sink:       enginehost.NopSink{},
		ClientInfo: enginesession.ClientInfo{Name: "test", Version: "0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	blocked := make(chan struct{})
	worker := func(ctx context.Context, session *enginesession.Session, tid enginehost.TurnID) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}

	m := New(&fakeProber{})
	m.Dispatch(context.Background(), "ws1", enginehost.EngineClaude, s, turn, worker, enginehost.NopSink{})

	<-blocked

	canceled, found := m.Interrupt("ws1", enginehost.EngineClaude)
	if !found {
		t.Fatal("expected Interrupt to find the in-flight turn")
	}
	if canceled != turn {
		t.Errorf("Interrupt returned turn %q, want %q", canceled, turn)
	}

	// Claude is a persistent session: interrupting one turn must not kill
	// the child, since further turns are still expected.
	select {
	case <-s.Done():
		t.Error("Interrupt must not terminate a persistent Claude session")
	case <-time.After(50 * time.Millisecond):
	}

	if _, found := m.Interrupt("ws1", enginehost.EngineClaude); found {
		t.Error("a second Interrupt on the same workspace/engine should find nothing in flight")
	}
}

func TestInterruptKillsSpawnPerTurnSession(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	turn := enginehost.TurnID("turn-1")
	s, err := enginesession.Start(context.Background(), enginesession.StartRequest{
		Workspace:  "ws1",
		Engine:     enginehost.EngineCodex,
		Binary:     "/bin/sh",
		Args:       []string{"-c", `read l1; printf '%s\n' '{"id":1,"result":{}}'; sleep 5`},
		Dir:        t.TempDir(),
		Env:        os.Environ(),
		Adapter:    dispatchTestAdapter{turn: turn},
		Sink:       enginehost.NopSink{},
		ClientInfo: enginesession.ClientInfo{Name: "test", Version: "0"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := New(&fakeProber{})
	key := sessionKey{"ws1", enginehost.EngineCodex}
	m.mu.Lock()
	m.sessions[key] = &sessionEntry{session: s, resumeID: func() string { return "" }}
	m.mu.Unlock()

	blocked := make(chan struct{})
	worker := func(ctx context.Context, session *enginesession.Session, tid enginehost.TurnID) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}
	m.Dispatch(context.Background(), "ws1", enginehost.EngineCodex, s, turn, worker, enginehost.NopSink{})
	<-blocked

	if _, found := m.Interrupt("ws1", enginehost.EngineCodex); !found {
		t.Fatal("expected Interrupt to find the in-flight turn")
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Error("Interrupt on a spawn-per-turn engine should kill the session's child")
	}
}
