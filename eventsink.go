package enginehost

// EventSink receives every event the host produces for delivery to a UI
// layer, whether local (in-process) or remote (over websocket/TCP). A
// single sink instance is shared across all sessions and PTYs in the
// process; callers distinguish streams by WorkspaceID / TerminalID on the
// delivered value.
type EventSink interface {
	// EmitAppServerEvent delivers a translated engine event.
	EmitAppServerEvent(AppServerEvent)

	// EmitTerminalOutput delivers a chunk of decoded PTY output.
	EmitTerminalOutput(TerminalOutput)
}

// AppServerEvent is the wire shape EventSink emits for engine events: the
// method/params pairing mirrors the CLI's own notification shape so local
// and remote delivery look identical to consumers.
type AppServerEvent struct {
	WorkspaceID WorkspaceID `json:"workspace_id"`
	Method      string      `json:"method"`
	Params      EngineEvent `json:"params"`
}

// TerminalOutput is one decoded chunk of PTY output.
type TerminalOutput struct {
	WorkspaceID WorkspaceID `json:"workspace_id"`
	TerminalID  string      `json:"terminal_id"`
	Data        string      `json:"data"`
}

// NewAppServerEvent builds the AppServerEvent wrapper for ev, using its
// Kind as the wire method name.
func NewAppServerEvent(ev EngineEvent) AppServerEvent {
	return AppServerEvent{
		WorkspaceID: ev.WorkspaceID,
		Method:      string(ev.Kind),
		Params:      ev,
	}
}

// NopSink discards every event. Useful in tests and for engines started
// without a UI attached.
type NopSink struct{}

func (NopSink) EmitAppServerEvent(AppServerEvent)   {}
func (NopSink) EmitTerminalOutput(TerminalOutput) {}
