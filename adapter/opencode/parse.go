package opencode

import (
	"sync/atomic"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/errfmt"
	"github.com/lattice-run/enginehost/internal/jsonutil"
)

// Adapter translates OpenCode's nd-JSON output into unified EngineEvents.
// The session id is captured at most once, atomically, from the first
// step_start event; OpenCode never renames it afterward (unlike Claude,
// there is no pending-id phase to resolve). rawSessionID and sessionID are
// kept in lockstep: the former is the bare id the CLI reports, the latter
// its canonical "opencode:<id>" thread-id form.
type Adapter struct {
	turn         enginehost.TurnID
	rawSessionID atomic.Pointer[string]
	sessionID    atomic.Pointer[string]
}

// NewAdapter starts a fresh adapter for turn. OpenCode spawns a new process
// per turn, so turn never changes over the adapter's lifetime, but it is
// still stamped explicitly on every event rather than assumed from session
// identity, to stay consistent with the other adapters. If resumeSessionID
// is non-empty the session id is already known (an explicit resume) and the
// write-once capture is pre-filled so current() returns the canonical id
// immediately.
func NewAdapter(turn enginehost.TurnID, resumeSessionID string) *Adapter {
	a := &Adapter{turn: turn}
	if resumeSessionID != "" {
		raw := resumeSessionID
		canon := string(enginehost.CanonicalThreadID(enginehost.EngineOpencode, resumeSessionID))
		a.rawSessionID.Store(&raw)
		a.sessionID.Store(&canon)
	}
	return a
}

func (a *Adapter) current() enginehost.ThreadID {
	if p := a.sessionID.Load(); p != nil {
		return enginehost.ThreadID(*p)
	}
	return ""
}

// SessionID returns the raw (non-canonicalized) captured session id, or ""
// if none has been captured yet. Used by the caller to build ResumeArgs
// for the next turn.
func (a *Adapter) SessionID() string {
	p := a.rawSessionID.Load()
	if p == nil {
		return ""
	}
	return *p
}

// Translate implements enginesession.Adapter. It stamps every produced
// event with the turn this adapter was constructed for, so a per-turn
// forwarder can correlate events without relying on the wire echoing back
// any host-minted id.
func (a *Adapter) Translate(raw map[string]any, rawLine string) []enginehost.EngineEvent {
	events := a.translate(raw, rawLine)
	for i := range events {
		events[i].TurnID = a.turn
	}
	return events
}

func (a *Adapter) translate(raw map[string]any, rawLine string) []enginehost.EngineEvent {
	typeStr := jsonutil.GetString(raw, "type")
	if typeStr == "" {
		return []enginehost.EngineEvent{a.raw(raw)}
	}

	if typeStr == "step_start" {
		return []enginehost.EngineEvent{a.translateStepStart(raw)}
	}

	switch typeStr {
	case "text":
		return []enginehost.EngineEvent{a.translateText(raw)}
	case "tool_use":
		return []enginehost.EngineEvent{a.translateToolUse(raw)}
	case "step_finish":
		return a.translateStepFinish(raw)
	case "reasoning":
		return []enginehost.EngineEvent{a.translateReasoning(raw)}
	case "error":
		return []enginehost.EngineEvent{a.translateError(raw)}
	default:
		return []enginehost.EngineEvent{a.raw(raw)}
	}
}

// TranslateParseError implements enginesession.Adapter.
func (a *Adapter) TranslateParseError(rawLine string, parseErr error) enginehost.EngineEvent {
	return enginehost.EngineEvent{
		Kind:     enginehost.EventRaw,
		ThreadID: a.current(),
		TurnID:   a.turn,
		RawData:  map[string]any{"line": errfmt.Truncate(rawLine), "error": parseErr.Error()},
	}
}

// translateStepStart performs the write-once session-id capture. The first
// step_start to carry a valid id emits session:started; a first step_start
// with an invalid or empty id still emits session:started (so the caller
// doesn't block waiting for one) but captures nothing, leaving a later
// step_start free to still capture a valid id when one arrives.
func (a *Adapter) translateStepStart(raw map[string]any) enginehost.EngineEvent {
	sid := jsonutil.GetString(raw, "sessionID")

	if sid != "" && validSessionID.MatchString(sid) {
		canon := string(enginehost.CanonicalThreadID(enginehost.EngineOpencode, sid))
		if a.sessionID.CompareAndSwap(nil, &canon) {
			a.rawSessionID.Store(&sid)
			return enginehost.EngineEvent{
				Kind:      enginehost.EventSessionStarted,
				ThreadID:  a.current(),
				SessionID: sid,
			}
		}
	}

	if a.sessionID.Load() == nil {
		return enginehost.EngineEvent{Kind: enginehost.EventSessionStarted, ThreadID: ""}
	}

	return a.raw(raw)
}

func (a *Adapter) translateText(raw map[string]any) enginehost.EngineEvent {
	text := ""
	if part := jsonutil.GetMap(raw, "part"); part != nil {
		text = jsonutil.GetString(part, "text")
	}
	return enginehost.EngineEvent{Kind: enginehost.EventTextDelta, ThreadID: a.current(), Text: text}
}

func (a *Adapter) translateReasoning(raw map[string]any) enginehost.EngineEvent {
	text := ""
	if part := jsonutil.GetMap(raw, "part"); part != nil {
		text = jsonutil.GetString(part, "text")
	}
	return enginehost.EngineEvent{Kind: enginehost.EventReasoningDelta, ThreadID: a.current(), Text: text}
}

// translateToolUse handles the "tool_use" event, which OpenCode only emits
// post-completion carrying both input and output.
func (a *Adapter) translateToolUse(raw map[string]any) enginehost.EngineEvent {
	ev := enginehost.EngineEvent{Kind: enginehost.EventToolCompleted, ThreadID: a.current()}
	part := jsonutil.GetMap(raw, "part")
	if part == nil {
		return ev
	}
	ev.ToolName = jsonutil.GetString(part, "tool")
	state := jsonutil.GetMap(part, "state")
	if state != nil {
		ev.ToolInput = toMap(state["input"])
		ev.ToolOutput = toMap(state["output"])
	}
	return ev
}

func (a *Adapter) translateStepFinish(raw map[string]any) []enginehost.EngineEvent {
	var events []enginehost.EngineEvent
	if usage := parseTokens(raw); usage != nil {
		events = append(events, *usage)
	}
	events = append(events, enginehost.EngineEvent{Kind: enginehost.EventTurnCompleted, ThreadID: a.current()})
	return events
}

func (a *Adapter) translateError(raw map[string]any) enginehost.EngineEvent {
	errObj := jsonutil.GetMap(raw, "error")
	if errObj == nil {
		return enginehost.EngineEvent{Kind: enginehost.EventTurnError, ThreadID: a.current(), Error: "unknown error"}
	}
	code := jsonutil.GetString(errObj, "name")
	message := ""
	if data := jsonutil.GetMap(errObj, "data"); data != nil {
		message = jsonutil.GetString(data, "message")
	}
	if message == "" {
		message = jsonutil.GetString(errObj, "message")
	}
	content := message
	if code != "" {
		content = code + ": " + message
	}
	return enginehost.EngineEvent{
		Kind:     enginehost.EventTurnError,
		ThreadID: a.current(),
		Error:    errfmt.Truncate(content),
		Code:     code,
	}
}

// parseTokens extracts token usage from a step_finish event's
// part.tokens.{input,output}, returning nil when absent or entirely zero.
func parseTokens(raw map[string]any) *enginehost.EngineEvent {
	part := jsonutil.GetMap(raw, "part")
	if part == nil {
		return nil
	}
	tokens := jsonutil.GetMap(part, "tokens")
	if tokens == nil {
		return nil
	}
	in := jsonutil.GetInt(tokens, "input")
	out := jsonutil.GetInt(tokens, "output")
	if in == 0 && out == 0 {
		return nil
	}
	return &enginehost.EngineEvent{Kind: enginehost.EventUsageUpdate, InputTokens: &in, OutputTokens: &out}
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func (a *Adapter) raw(data map[string]any) enginehost.EngineEvent {
	return enginehost.EngineEvent{
		Kind:     enginehost.EventRaw,
		ThreadID: a.current(),
		Engine:   enginehost.EngineOpencode,
		RawData:  data,
	}
}
