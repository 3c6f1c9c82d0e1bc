// Package daemon wires the per-workspace engine dispatch pipeline: resolve
// which engine handles a send_message call, locate and spawn its CLI
// binary with the right argv for a fresh or resumed session, and hand the
// live session to enginemanager.Dispatch for event forwarding.
//
// Everything engine-specific (argv construction, adapter wiring, resume-id
// bookkeeping) lives here so neither enginemanager nor the HTTP transport
// layer need to know claude/codex/opencode argv shapes.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/adapter/claude"
	"github.com/lattice-run/enginehost/adapter/codex"
	"github.com/lattice-run/enginehost/adapter/opencode"
	"github.com/lattice-run/enginehost/enginemanager"
	"github.com/lattice-run/enginehost/enginesession"
	"github.com/lattice-run/enginehost/locator"
	"github.com/lattice-run/enginehost/policy"
	"github.com/lattice-run/enginehost/spawner"
	"github.com/lattice-run/enginehost/threadstore"
)

type sessionKey struct {
	workspace enginehost.WorkspaceID
	engine    enginehost.EngineType
}

// Dispatcher implements the send_message orchestration of §4.6 step 4-5:
// resolve engine, get-or-create session, compute resolved_session_id,
// dispatch the turn, and return immediately.
type Dispatcher struct {
	manager    *enginemanager.Manager
	prober     *Prober
	sink       enginehost.EventSink
	threads    *threadstore.Store
	clientInfo enginesession.ClientInfo

	mu     sync.Mutex
	lastID map[sessionKey]string
}

// NewDispatcher wires a Dispatcher over an already-constructed Manager
// (sharing its Prober for binary resolution) plus the shared EventSink and
// ThreadModeStore.
func NewDispatcher(manager *enginemanager.Manager, prober *Prober, sink enginehost.EventSink, threads *threadstore.Store, clientInfo enginesession.ClientInfo) *Dispatcher {
	return &Dispatcher{
		manager:    manager,
		prober:     prober,
		sink:       sink,
		threads:    threads,
		clientInfo: clientInfo,
		lastID:     make(map[sessionKey]string),
	}
}

// DetectEngines delegates to the Manager.
func (d *Dispatcher) DetectEngines(ctx context.Context) map[enginehost.EngineType]enginehost.EngineStatus {
	return d.manager.DetectEngines(ctx)
}

// SetActiveEngine delegates to the Manager.
func (d *Dispatcher) SetActiveEngine(engine enginehost.EngineType) error {
	return d.manager.SetActiveEngine(engine)
}

// ActiveEngine delegates to the Manager.
func (d *Dispatcher) ActiveEngine() enginehost.EngineType {
	return d.manager.ActiveEngine()
}

// SendMessage implements §4.6 step 4-5: it returns as soon as the turn's
// session is ready and the background forwarder/worker pair are running,
// not when the engine finishes replying.
func (d *Dispatcher) SendMessage(ctx context.Context, workspace enginehost.WorkspaceID, workspaceDir string, workspaceEngine enginehost.EngineType, params enginehost.SendMessageParams) (enginehost.TurnID, error) {
	engine := d.manager.ResolveEngine(workspaceEngine, d.manager.ActiveEngine())
	if !engine.IsSupported() {
		return "", fmt.Errorf("enginehost: engine %q is not supported", engine)
	}

	turn := d.manager.NewTurnID()
	key := sessionKey{workspace, engine}

	d.mu.Lock()
	hint := d.lastID[key]
	d.mu.Unlock()

	starter := func(ctx context.Context, workspace enginehost.WorkspaceID, engine enginehost.EngineType) (*enginesession.Session, func() string, error) {
		return d.spawn(ctx, workspace, workspaceDir, engine, turn, params, hint)
	}

	session, resumeID, err := d.manager.GetOrCreateSession(ctx, workspace, engine, starter)
	if err != nil {
		return "", err
	}

	if id := resumeID(); id != "" {
		d.rememberResumeID(key, id)
	}
	go func() {
		<-session.Done()
		if id := resumeID(); id != "" {
			d.rememberResumeID(key, id)
		}
	}()

	resolvedSessionID := enginemanager.ResolveSessionID(params.SessionID, params.ContinueSession, resumeID)

	threadID := enginehost.PendingThreadID(engine, turn)
	if resolvedSessionID != "" {
		threadID = enginehost.CanonicalThreadID(engine, resolvedSessionID)
	}
	persisted, _ := d.threads.Get(threadID)
	pol := policy.Resolve(params.CollaborationMode, persisted)
	if pol.EffectiveMode != "" {
		d.threads.Set(threadID, string(pol.EffectiveMode))
	}

	worker := sendWorker(engine, params, pol)
	d.manager.Dispatch(ctx, workspace, engine, session, turn, worker, d.sink)

	return turn, nil
}

// Interrupt implements §4.4's interrupt(workspace) operation: cancels the
// in-flight turn for workspace's currently resolved engine. Returns the
// canceled turn id and whether a turn was actually in flight.
func (d *Dispatcher) Interrupt(workspace enginehost.WorkspaceID, workspaceEngine enginehost.EngineType) (enginehost.TurnID, bool) {
	engine := d.manager.ResolveEngine(workspaceEngine, d.manager.ActiveEngine())
	return d.manager.Interrupt(workspace, engine)
}

func (d *Dispatcher) rememberResumeID(key sessionKey, id string) {
	d.mu.Lock()
	d.lastID[key] = id
	d.mu.Unlock()
}

// spawn builds and starts the engine-specific session for a fresh (or
// respawned one-shot) (workspace, engine) pair.
func (d *Dispatcher) spawn(ctx context.Context, workspace enginehost.WorkspaceID, dir string, engine enginehost.EngineType, turn enginehost.TurnID, params enginehost.SendMessageParams, resumeHint string) (*enginesession.Session, func() string, error) {
	cfg := d.prober.binaryConfig(engine)
	program := binaryName(engine)

	located := locator.Locate(locator.Request{
		Program:    program,
		Override:   cfg.Override,
		ExtraRoots: cfg.ExtraRoots,
	})
	if !located.Found() {
		return nil, nil, fmt.Errorf("%w: %s", enginehost.ErrUnavailable, program)
	}

	env := spawner.MergeEnv(os.Environ(), map[string]string{"PATH": located.CombinedPath})

	switch engine {
	case enginehost.EngineClaude:
		return d.spawnClaude(ctx, workspace, dir, located.Path, env, turn, params, resumeHint)
	case enginehost.EngineCodex:
		return d.spawnCodex(ctx, workspace, dir, located.Path, env, turn, params, resumeHint)
	case enginehost.EngineOpencode:
		return d.spawnOpencode(ctx, workspace, dir, located.Path, env, turn, params, resumeHint)
	default:
		return nil, nil, fmt.Errorf("enginehost: unsupported engine %q", engine)
	}
}

func (d *Dispatcher) spawnClaude(ctx context.Context, workspace enginehost.WorkspaceID, dir, binary string, env []string, turn enginehost.TurnID, params enginehost.SendMessageParams, resumeHint string) (*enginesession.Session, func() string, error) {
	opts := claude.BuildOptions{
		Binary:          binary,
		Model:           params.Model,
		AccessMode:      params.AccessMode,
		PartialMessages: true,
		ResumeSessionID: resumeHint,
	}
	_, args := claude.StreamArgs(opts)

	adapter := claude.NewAdapter(turn, resumeHint)
	session, err := enginesession.Start(ctx, enginesession.StartRequest{
		Workspace:  workspace,
		Engine:     enginehost.EngineClaude,
		Binary:     binary,
		Args:       args,
		Dir:        dir,
		Env:        env,
		WantStdin:  true,
		Adapter:    adapter,
		Sink:       d.sink,
		ClientInfo: d.clientInfo,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, adapter.SessionID, nil
}

func (d *Dispatcher) spawnCodex(ctx context.Context, workspace enginehost.WorkspaceID, dir, binary string, env []string, turn enginehost.TurnID, params enginehost.SendMessageParams, resumeHint string) (*enginesession.Session, func() string, error) {
	opts := codex.BuildOptions{
		Binary:         binary,
		Model:          params.Model,
		Effort:         params.Effort,
		AccessMode:     params.AccessMode,
		ResumeThreadID: resumeHint,
	}

	var (
		args []string
		err  error
	)
	if resumeHint != "" {
		_, args, err = codex.ResumeArgs(opts, params.Text)
	} else {
		_, args = codex.SpawnArgs(opts, params.Text)
	}
	if err != nil {
		return nil, nil, err
	}

	adapter := codex.NewAdapter(turn, resumeHint)
	session, err := enginesession.Start(ctx, enginesession.StartRequest{
		Workspace:  workspace,
		Engine:     enginehost.EngineCodex,
		Binary:     binary,
		Args:       args,
		Dir:        dir,
		Env:        env,
		WantStdin:  true,
		Adapter:    adapter,
		Sink:       d.sink,
		ClientInfo: d.clientInfo,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, adapter.ThreadID, nil
}

func (d *Dispatcher) spawnOpencode(ctx context.Context, workspace enginehost.WorkspaceID, dir, binary string, env []string, turn enginehost.TurnID, params enginehost.SendMessageParams, resumeHint string) (*enginesession.Session, func() string, error) {
	opts := opencode.BuildOptions{
		Binary:          binary,
		Model:           params.Model,
		Agent:           params.Agent,
		Variant:         opencode.Variant(params.Variant),
		ResumeSessionID: resumeHint,
	}

	var (
		args []string
		err  error
	)
	if resumeHint != "" {
		_, args, err = opencode.ResumeArgs(opts, resumeHint, params.Text)
	} else {
		_, args = opencode.SpawnArgs(opts, params.Text)
	}
	if err != nil {
		return nil, nil, err
	}

	adapter := opencode.NewAdapter(turn, resumeHint)
	session, err := enginesession.Start(ctx, enginesession.StartRequest{
		Workspace:  workspace,
		Engine:     enginehost.EngineOpencode,
		Binary:     binary,
		Args:       args,
		Dir:        dir,
		Env:        env,
		WantStdin:  true,
		Adapter:    adapter,
		Sink:       d.sink,
		ClientInfo: d.clientInfo,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, adapter.SessionID, nil
}

// sendWorker returns the adapter-specific write path for one turn. Codex
// and OpenCode bake the prompt into argv at spawn time (spawn-per-turn), so
// their worker is a no-op; Claude's persistent streaming session expects
// the message framed and written to stdin after the process is already
// running.
func sendWorker(engine enginehost.EngineType, params enginehost.SendMessageParams, pol enginehost.CollaborationPolicy) enginemanager.SendWorker {
	return func(ctx context.Context, session *enginesession.Session, turn enginehost.TurnID) error {
		switch engine {
		case enginehost.EngineClaude:
			payload, err := claude.MessagePayload(annotatedText(params.Text, pol))
			if err != nil {
				return err
			}
			return session.WriteRaw(payload)
		case enginehost.EngineCodex, enginehost.EngineOpencode:
			return nil
		default:
			return fmt.Errorf("enginehost: unsupported engine %q", engine)
		}
	}
}

// annotatedText prefixes the user's message with the resolved policy's
// directives, one per line, whenever the policy carries any, so a
// streaming session that never sees a fresh settings.developer_instructions
// payload (as a freshly spawned one-shot process would, via cliargs) still
// receives the collaboration-mode steer.
func annotatedText(text string, pol enginehost.CollaborationPolicy) string {
	if len(pol.Directives) == 0 {
		return text
	}
	prefix := ""
	for _, d := range pol.Directives {
		prefix += d + "\n"
	}
	return prefix + text
}
