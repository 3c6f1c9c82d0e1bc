package claude

import (
	"strings"
	"sync"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/errfmt"
	"github.com/lattice-run/enginehost/internal/jsonutil"
)

// Adapter translates Claude Code's stream-json output into unified
// EngineEvents. It holds the one piece of state the translation needs
// across calls: the thread id a turn's events carry, which starts as a
// "pending" placeholder and is renamed to the canonical "claude:<id>" form
// the moment session:started is observed.
type Adapter struct {
	mu        sync.Mutex
	turn      enginehost.TurnID
	threadID  enginehost.ThreadID
	sessionID string
	resolved  bool
}

// NewAdapter starts a fresh adapter for turn. If resumeSessionID is
// non-empty, the canonical thread id is already known (the session was
// resumed) and no rename will occur. turn is stamped onto every event this
// adapter produces, independent of the thread id's own pending/canonical
// lifecycle, so a turn-scoped forwarder can correlate events without
// caring which rename phase the thread id is in.
func NewAdapter(turn enginehost.TurnID, resumeSessionID string) *Adapter {
	if resumeSessionID != "" {
		return &Adapter{
			turn:      turn,
			threadID:  enginehost.CanonicalThreadID(enginehost.EngineClaude, resumeSessionID),
			sessionID: resumeSessionID,
			resolved:  true,
		}
	}
	return &Adapter{turn: turn, threadID: enginehost.PendingThreadID(enginehost.EngineClaude, turn)}
}

// resolve adopts the canonical thread id on first call and returns the id
// that THIS event (session:started) should carry — the OLD pending id,
// per the rename ordering rule in §5.
func (a *Adapter) resolve(sessionID string) enginehost.ThreadID {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.threadID
	if !a.resolved {
		a.threadID = enginehost.CanonicalThreadID(enginehost.EngineClaude, sessionID)
		a.sessionID = sessionID
		a.resolved = true
	}
	return old
}

func (a *Adapter) current() enginehost.ThreadID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

// SessionID returns the raw (non-canonicalized) captured session id, or ""
// if none has been captured yet. Used by the caller to build ResumeArgs
// for the next turn.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
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

	switch typeStr {
	case "system":
		return a.translateSystem(raw)
	case "init":
		return []enginehost.EngineEvent{a.sessionStarted(jsonutil.GetString(raw, "session_id"))}
	case "assistant":
		return a.translateAssistant(raw)
	case "tool":
		return []enginehost.EngineEvent{a.translateTool(raw)}
	case "result":
		return a.translateResult(raw)
	case "error":
		return []enginehost.EngineEvent{a.translateError(raw)}
	case "stream_event":
		return a.translateStreamEvent(raw)
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

func (a *Adapter) translateSystem(raw map[string]any) []enginehost.EngineEvent {
	if jsonutil.GetString(raw, "subtype") == "init" {
		return []enginehost.EngineEvent{a.sessionStarted(jsonutil.GetString(raw, "session_id"))}
	}
	return []enginehost.EngineEvent{a.raw(raw)}
}

func (a *Adapter) sessionStarted(sessionID string) enginehost.EngineEvent {
	oldID := a.resolve(sessionID)
	return enginehost.EngineEvent{
		Kind:      enginehost.EventSessionStarted,
		ThreadID:  oldID,
		SessionID: sessionID,
	}
}

func (a *Adapter) translateAssistant(raw map[string]any) []enginehost.EngineEvent {
	var events []enginehost.EngineEvent

	message := jsonutil.GetMap(raw, "message")
	if message != nil {
		text, thinking, tool := splitAssistantContent(message)
		if text != "" {
			events = append(events, a.textDelta(text))
		}
		if thinking != "" {
			events = append(events, a.reasoningDelta(thinking))
		}
		if tool != nil {
			events = append(events, *tool)
		}
		if usage := extractUsageEvent(message); usage != nil {
			events = append(events, *usage)
		}
	}

	if len(events) == 0 {
		if text, ok := raw["text"].(string); ok && text != "" {
			events = append(events, a.textDelta(text))
		} else if content, ok := raw["content"].(string); ok && content != "" {
			events = append(events, a.textDelta(content))
		}
	}
	if len(events) == 0 {
		events = append(events, a.raw(raw))
	}
	return events
}

func splitAssistantContent(message map[string]any) (text, thinking string, tool *enginehost.EngineEvent) {
	contentArr, ok := message["content"].([]any)
	if !ok {
		return "", "", nil
	}
	var textB, thinkingB strings.Builder
	var toolEv *enginehost.EngineEvent
	for _, c := range contentArr {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		switch jsonutil.GetString(cm, "type") {
		case "thinking":
			thinkingB.WriteString(jsonutil.GetString(cm, "thinking"))
		case "tool_use":
			ev := enginehost.EngineEvent{
				Kind:      enginehost.EventToolStarted,
				ToolID:    jsonutil.GetString(cm, "id"),
				ToolName:  jsonutil.GetString(cm, "name"),
				ToolInput: toMap(cm["input"]),
			}
			toolEv = &ev
		default:
			if t, ok := cm["text"].(string); ok {
				textB.WriteString(t)
			}
		}
	}
	return textB.String(), thinkingB.String(), toolEv
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func (a *Adapter) textDelta(text string) enginehost.EngineEvent {
	return enginehost.EngineEvent{Kind: enginehost.EventTextDelta, ThreadID: a.current(), Text: text}
}

func (a *Adapter) reasoningDelta(text string) enginehost.EngineEvent {
	return enginehost.EngineEvent{Kind: enginehost.EventReasoningDelta, ThreadID: a.current(), Text: text}
}

func (a *Adapter) translateTool(raw map[string]any) enginehost.EngineEvent {
	ev := enginehost.EngineEvent{
		Kind:      enginehost.EventToolCompleted,
		ThreadID:  a.current(),
		ToolName:  jsonutil.GetString(raw, "name"),
		ToolInput: toMap(raw["input"]),
	}
	if output, ok := raw["output"]; ok {
		ev.ToolOutput = toMap(output)
		if ev.ToolOutput == nil {
			ev.ToolOutput = map[string]any{"value": output}
		}
	}
	return ev
}

func (a *Adapter) translateResult(raw map[string]any) []enginehost.EngineEvent {
	var events []enginehost.EngineEvent
	if usage := extractUsageEvent(raw); usage != nil {
		events = append(events, *usage)
	}
	result := jsonutil.GetStringAny(raw, "result", "text")
	events = append(events, enginehost.EngineEvent{
		Kind:     enginehost.EventTurnCompleted,
		ThreadID: a.current(),
		Result:   result,
	})
	return events
}

func (a *Adapter) translateError(raw map[string]any) enginehost.EngineEvent {
	message := jsonutil.GetStringAny(raw, "message", "error")
	code := jsonutil.GetString(raw, "code")
	return enginehost.EngineEvent{
		Kind:     enginehost.EventTurnError,
		ThreadID: a.current(),
		Error:    errfmt.Truncate(message),
		Code:     code,
	}
}

func (a *Adapter) translateStreamEvent(raw map[string]any) []enginehost.EngineEvent {
	event := jsonutil.GetMap(raw, "event")
	if event == nil {
		return []enginehost.EngineEvent{a.raw(raw)}
	}
	switch jsonutil.GetString(event, "type") {
	case "content_block_delta":
		return []enginehost.EngineEvent{a.translateContentBlockDelta(event)}
	default:
		return []enginehost.EngineEvent{a.raw(event)}
	}
}

func (a *Adapter) translateContentBlockDelta(event map[string]any) enginehost.EngineEvent {
	delta := jsonutil.GetMap(event, "delta")
	if delta == nil {
		return a.raw(event)
	}
	switch jsonutil.GetString(delta, "type") {
	case "text_delta":
		return a.textDelta(jsonutil.GetString(delta, "text"))
	case "thinking_delta":
		return a.reasoningDelta(jsonutil.GetString(delta, "thinking"))
	case "input_json_delta":
		return enginehost.EngineEvent{
			Kind:      enginehost.EventToolInputUpdated,
			ThreadID:  a.current(),
			ToolInput: map[string]any{"partial_json": jsonutil.GetString(delta, "partial_json")},
		}
	default:
		return a.raw(delta)
	}
}

func extractUsageEvent(source map[string]any) *enginehost.EngineEvent {
	usage := jsonutil.GetMap(source, "usage")
	if usage == nil {
		return nil
	}
	in := jsonutil.GetInt(usage, "input_tokens")
	out := jsonutil.GetInt(usage, "output_tokens")
	cached := jsonutil.GetInt(usage, "cache_read_input_tokens")
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

func (a *Adapter) raw(data map[string]any) enginehost.EngineEvent {
	return enginehost.EngineEvent{
		Kind:     enginehost.EventRaw,
		ThreadID: a.current(),
		Engine:   enginehost.EngineClaude,
		RawData:  data,
	}
}
