// Package enginehost provides the data model and shared contracts for
// hosting long-running, interactive AI coding CLIs ("Claude Code",
// "Codex app-server", "OpenCode") as child processes, multiplexing their
// JSON-line-delimited output over many concurrent workspaces and
// conversation threads, and surfacing unified streaming events to a UI
// layer.
//
// The root package defines identifiers (WorkspaceID, ThreadID, TurnID),
// the closed EngineType variant set, EngineStatus/EngineFeatures,
// SendMessageParams, the EngineEvent tagged union, the CollaborationPolicy
// value type, and the EventSink interface. Concrete behavior lives in
// sibling packages: locator, spawner, linecodec, policy, threadstore,
// enginesession, adapter/*, enginemanager, ptybroker, remotetransport.
package enginehost
