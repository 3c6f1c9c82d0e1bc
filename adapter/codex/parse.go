package codex

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/errfmt"
	"github.com/lattice-run/enginehost/internal/jsonutil"
)

// noUUIDSentinel distinguishes "a thread.started arrived but carried no
// usable id" from "nothing has arrived yet", so a later thread.started with
// a real id can still win the write-once capture.
var noUUIDSentinel = "\x00"

// Adapter translates Codex's JSONL event stream into unified EngineEvents.
// The thread id is captured at most once, atomically, from whichever event
// first carries one; events translated before that point carry an empty
// enginehost.ThreadID, and every event from that point on carries the same
// canonical one.
type Adapter struct {
	turn     enginehost.TurnID
	threadID atomic.Pointer[string]
	rawID    atomic.Pointer[string]
}

// NewAdapter starts a fresh adapter for turn. Codex spawns a new process
// per turn, so turn never changes over the adapter's lifetime, but it is
// still stamped explicitly on every event rather than assumed from session
// identity, to stay consistent with the other adapters. If resumeThreadID
// is non-empty the thread id is already known and the write-once capture is
// pre-filled.
func NewAdapter(turn enginehost.TurnID, resumeThreadID string) *Adapter {
	a := &Adapter{turn: turn}
	if resumeThreadID != "" {
		raw := resumeThreadID
		canon := string(enginehost.CanonicalThreadID(enginehost.EngineCodex, resumeThreadID))
		a.rawID.Store(&raw)
		a.threadID.Store(&canon)
	}
	return a
}

func (a *Adapter) current() enginehost.ThreadID {
	if p := a.threadID.Load(); p != nil && p != &noUUIDSentinel {
		return enginehost.ThreadID(*p)
	}
	return ""
}

// ThreadID returns the raw (non-canonicalized) captured thread id, or ""
// if none has been captured yet. Used by the caller to build ResumeArgs
// for the next turn.
func (a *Adapter) ThreadID() string {
	p := a.rawID.Load()
	if p == nil {
		return ""
	}
	return *p
}

// captureThreadID attempts the write-once CAS against either the initial
// nil state or a previously stored sentinel. Returns true if this call won
// the capture.
func (a *Adapter) captureThreadID(id string) bool {
	if id == "" {
		return a.threadID.CompareAndSwap(nil, &noUUIDSentinel)
	}
	canon := string(enginehost.CanonicalThreadID(enginehost.EngineCodex, id))
	if a.threadID.CompareAndSwap(nil, &canon) {
		a.rawID.Store(&id)
		return true
	}
	if a.threadID.CompareAndSwap(&noUUIDSentinel, &canon) {
		a.rawID.Store(&id)
		return true
	}
	return false
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
		if method := jsonutil.GetString(raw, "method"); method == "codex/request" {
			return a.translateServerRequest(raw)
		}
		return []enginehost.EngineEvent{a.raw(raw)}
	}

	switch typeStr {
	case "thread.started":
		return []enginehost.EngineEvent{a.translateThreadStarted(raw)}
	case "turn.started", "item.started":
		return nil
	case "item.completed":
		return []enginehost.EngineEvent{a.translateItemCompleted(raw)}
	case "turn.completed":
		return a.translateTurnCompleted(raw)
	case "turn.failed":
		return []enginehost.EngineEvent{a.translateTurnFailed(raw)}
	case "token_count":
		if ev := a.translateTokenCount(raw); ev != nil {
			return []enginehost.EngineEvent{*ev}
		}
		return nil
	case "error":
		return []enginehost.EngineEvent{a.translateTopLevelError(raw)}
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

// translateThreadStarted performs the write-once thread-id capture. The
// first thread.started to arrive emits session:started; any later one
// (resume races, duplicate announcements) is downgraded to a raw passthrough
// carrying the already-canonical id.
func (a *Adapter) translateThreadStarted(raw map[string]any) enginehost.EngineEvent {
	tid := extractThreadID(raw)
	if a.captureThreadID(tid) {
		return enginehost.EngineEvent{
			Kind:      enginehost.EventSessionStarted,
			ThreadID:  a.current(),
			SessionID: tid,
		}
	}
	return a.raw(raw)
}

// extractThreadID reads a thread id from any of the wire-shape variants
// Codex has used across versions: top-level thread_id/threadId, or a nested
// params.threadId / params.thread_id / params.thread.id.
func extractThreadID(raw map[string]any) string {
	if id := jsonutil.GetStringAny(raw, "thread_id", "threadId"); id != "" {
		return id
	}
	if params := jsonutil.GetMap(raw, "params"); params != nil {
		if id := jsonutil.GetStringAny(params, "threadId", "thread_id"); id != "" {
			return id
		}
		if id := jsonutil.GetStringPath(params, "thread.id"); id != "" {
			return id
		}
	}
	return jsonutil.GetStringPath(raw, "thread.id")
}

func (a *Adapter) translateItemCompleted(raw map[string]any) enginehost.EngineEvent {
	item := jsonutil.GetMap(raw, "item")
	if item == nil {
		return a.raw(raw)
	}
	switch jsonutil.GetString(item, "type") {
	case "agent_message":
		return enginehost.EngineEvent{Kind: enginehost.EventTextDelta, ThreadID: a.current(), Text: jsonutil.GetString(item, "text")}
	case "reasoning":
		return enginehost.EngineEvent{Kind: enginehost.EventReasoningDelta, ThreadID: a.current(), Text: jsonutil.GetString(item, "text")}
	case "command_execution":
		return enginehost.EngineEvent{
			Kind:       enginehost.EventToolCompleted,
			ThreadID:   a.current(),
			ToolName:   "command_execution",
			ToolInput:  map[string]any{"command": jsonutil.GetString(item, "command")},
			ToolOutput: item,
		}
	case "file_changes", "web_search":
		return enginehost.EngineEvent{
			Kind:       enginehost.EventToolCompleted,
			ThreadID:   a.current(),
			ToolName:   jsonutil.GetString(item, "type"),
			ToolOutput: item,
		}
	case "mcp_tool_call":
		name := jsonutil.GetStringAny(item, "name", "tool_name")
		if name == "" {
			name = "mcp_tool_call"
		}
		return enginehost.EngineEvent{Kind: enginehost.EventToolCompleted, ThreadID: a.current(), ToolName: name, ToolOutput: item}
	case "error":
		message := jsonutil.GetStringAny(item, "message", "text")
		if message == "" {
			message = "unknown error"
		}
		return enginehost.EngineEvent{
			Kind:     enginehost.EventTurnError,
			ThreadID: a.current(),
			Error:    errfmt.Truncate(message),
			Code:     jsonutil.GetString(item, "code"),
		}
	default:
		return a.raw(item)
	}
}

func (a *Adapter) translateTurnCompleted(raw map[string]any) []enginehost.EngineEvent {
	var events []enginehost.EngineEvent
	if usage := parseUsage(jsonutil.GetMap(raw, "usage")); usage != nil {
		events = append(events, *usage)
	}
	events = append(events, enginehost.EngineEvent{Kind: enginehost.EventTurnCompleted, ThreadID: a.current()})
	return events
}

func (a *Adapter) translateTurnFailed(raw map[string]any) enginehost.EngineEvent {
	errObj := jsonutil.GetMap(raw, "error")
	if errObj == nil {
		return enginehost.EngineEvent{Kind: enginehost.EventTurnError, ThreadID: a.current(), Error: "turn failed"}
	}
	message := jsonutil.GetString(errObj, "message")
	if message == "" {
		message = "turn failed"
	}
	return enginehost.EngineEvent{
		Kind:     enginehost.EventTurnError,
		ThreadID: a.current(),
		Error:    errfmt.Truncate(message),
		Code:     jsonutil.GetString(errObj, "code"),
	}
}

func (a *Adapter) translateTopLevelError(raw map[string]any) enginehost.EngineEvent {
	message := jsonutil.GetString(raw, "message")
	if message == "" {
		message = "unknown error"
	}
	return enginehost.EngineEvent{
		Kind:     enginehost.EventTurnError,
		ThreadID: a.current(),
		Error:    errfmt.Truncate(message),
		Code:     jsonutil.GetString(raw, "code"),
	}
}

// translateTokenCount handles the "token_count" message shape, where usage
// can arrive nested under info.total_token_usage (preferred, cumulative) or
// info.last_token_usage (this turn only).
func (a *Adapter) translateTokenCount(raw map[string]any) *enginehost.EngineEvent {
	info := jsonutil.GetMap(raw, "info")
	if info == nil {
		return nil
	}
	usage := jsonutil.GetMap(info, "total_token_usage")
	if usage == nil {
		usage = jsonutil.GetMap(info, "last_token_usage")
	}
	return parseUsage(usage)
}

// parseUsage extracts token usage from a usage object, returning nil when
// the object is absent or entirely zero (consistent with the upstream
// convention that a present-but-empty usage means "nothing to report").
func parseUsage(usage map[string]any) *enginehost.EngineEvent {
	if usage == nil {
		return nil
	}
	in := jsonutil.GetInt(usage, "input_tokens")
	out := jsonutil.GetInt(usage, "output_tokens")
	cached := jsonutil.GetInt(usage, "cached_input_tokens")
	if in == 0 && out == 0 && cached == 0 {
		return nil
	}
	return &enginehost.EngineEvent{
		Kind:         enginehost.EventUsageUpdate,
		InputTokens:  &in,
		OutputTokens: &out,
		CachedTokens: &cached,
	}
}

// translateServerRequest handles a server-initiated "codex/request" needing
// a reply (e.g. a sandbox escalation prompt). The outer envelope's own
// method is always the literal "codex/request"; the actual request is
// nested one level down as params.{id,method,params}, with method in
// {exec, apply} becoming approval:request and the command array flattened
// into a human-readable message. The inner request id is carried in
// RequestID so the caller can route the eventual decision back through
// Session.SendResponse.
func (a *Adapter) translateServerRequest(raw map[string]any) []enginehost.EngineEvent {
	outerParams := jsonutil.GetMap(raw, "params")
	if outerParams == nil {
		return []enginehost.EngineEvent{a.raw(raw)}
	}
	method := jsonutil.GetString(outerParams, "method")
	if method != "exec" && method != "apply" {
		return []enginehost.EngineEvent{a.raw(raw)}
	}
	id, _ := jsonutil.GetID(outerParams, "id")
	params := jsonutil.GetMap(outerParams, "params")
	return []enginehost.EngineEvent{{
		Kind:      enginehost.EventApprovalRequest,
		ThreadID:  a.current(),
		RequestID: fmt.Sprintf("%d", id),
		Message:   formatApprovalMessage(method, params),
		RawData:   params,
	}}
}

func formatApprovalMessage(method string, params map[string]any) string {
	cmd := flattenCommand(params)
	if cmd == "" {
		return method + " approval requested"
	}
	return method + " approval requested: " + cmd
}

func flattenCommand(params map[string]any) string {
	if params == nil {
		return ""
	}
	arr, ok := params["command"].([]any)
	if !ok {
		return jsonutil.GetString(params, "command")
	}
	parts := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (a *Adapter) raw(data map[string]any) enginehost.EngineEvent {
	return enginehost.EngineEvent{
		Kind:     enginehost.EventRaw,
		ThreadID: a.current(),
		Engine:   enginehost.EngineCodex,
		RawData:  data,
	}
}
