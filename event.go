package enginehost

// EventKind discriminates the EngineEvent tagged union. Every engine
// adapter (see package adapter/claude, adapter/codex, adapter/opencode)
// translates its native wire format into exactly these variants; there is
// no engine-specific event type outside of the Raw passthrough.
type EventKind string

const (
	EventSessionStarted      EventKind = "session:started"
	EventTurnStarted         EventKind = "turn:started"
	EventTextDelta           EventKind = "text:delta"
	EventReasoningDelta      EventKind = "reasoning:delta"
	EventToolStarted         EventKind = "tool:started"
	EventToolCompleted       EventKind = "tool:completed"
	EventToolInputUpdated    EventKind = "tool:inputUpdated"
	EventApprovalRequest     EventKind = "approval:request"
	EventTurnCompleted       EventKind = "turn:completed"
	EventTurnError           EventKind = "turn:error"
	EventSessionEnded        EventKind = "session:ended"
	EventUsageUpdate         EventKind = "usage:update"
	EventProcessingHeartbeat EventKind = "processing:heartbeat"
	EventRaw                 EventKind = "raw"
)

// ToolInput/ToolOutput are carried as raw JSON so adapters never need to
// agree on a concrete argument or result shape across engines.
type (
	ToolInput  = map[string]any
	ToolOutput = map[string]any
)

// EngineEvent is the unified event emitted by every SessionAdapter. Exactly
// one of the payload-shaped accessor groups below is populated, selected by
// Kind; unused fields for other kinds are left zero.
//
// WorkspaceID is mandatory on every variant. ThreadID and TurnID are
// supplemental correlation fields not named by the distilled wire shapes
// but required to route events to the right forwarder and UI thread.
type EngineEvent struct {
	Kind        EventKind    `json:"kind"`
	WorkspaceID WorkspaceID  `json:"workspace_id"`
	ThreadID    ThreadID     `json:"thread_id,omitempty"`
	TurnID      TurnID       `json:"turn_id,omitempty"`
	Engine      EngineType   `json:"engine,omitempty"`

	// Seq is a monotonically increasing per-session sequence number,
	// assigned by EngineSession's read loop. Used by forwarders and
	// remote transport to detect gaps, not for ordering (delivery order
	// already matches emission order).
	Seq uint64 `json:"seq,omitempty"`

	// session:started
	SessionID string `json:"session_id,omitempty"`

	// text:delta, reasoning:delta
	Text string `json:"text,omitempty"`

	// tool:started, tool:completed, tool:inputUpdated
	ToolID     string     `json:"tool_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolInput  ToolInput  `json:"input,omitempty"`
	ToolOutput ToolOutput `json:"output,omitempty"`
	ToolError  string     `json:"error,omitempty"`

	// approval:request
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`

	// turn:completed
	Result any `json:"result,omitempty"`

	// turn:error
	Error string `json:"turn_error,omitempty"`
	Code  string `json:"code,omitempty"`

	// usage:update
	InputTokens        *int `json:"input_tokens,omitempty"`
	OutputTokens       *int `json:"output_tokens,omitempty"`
	CachedTokens       *int `json:"cached_tokens,omitempty"`
	ModelContextWindow *int `json:"model_context_window,omitempty"`

	// processing:heartbeat
	Pulse int `json:"pulse,omitempty"`

	// raw
	RawData any `json:"data,omitempty"`
}

// IsTerminal reports whether this event concludes a turn. Forwarders
// subscribed to a single turn id stop consuming the broadcast after the
// first terminal event for that turn.
func (e EngineEvent) IsTerminal() bool {
	return e.Kind == EventTurnCompleted || e.Kind == EventTurnError
}

// WithThreadID returns a copy of e with ThreadID replaced. Used by the
// session:started rename rule: the OLD id is emitted on session:started
// itself, and this helper produces the subsequent events carrying the
// canonical id.
func (e EngineEvent) WithThreadID(t ThreadID) EngineEvent {
	e.ThreadID = t
	return e
}
