// Package eventfilter provides composable EventSink middleware for
// narrowing the event stream a forwarder receives. Consumers wrap the
// hub (or any other enginehost.EventSink) with these decorators to select
// the granularity they need before events reach a websocket client, log
// sink, or remote transport.
package eventfilter

import (
	"strings"

	"github.com/lattice-run/enginehost"
)

// Sink wraps a next enginehost.EventSink and forwards only the
// AppServerEvents accepted by keep. EmitTerminalOutput always passes
// through unfiltered: PTY output has no EventKind to filter on.
type Sink struct {
	next enginehost.EventSink
	keep func(enginehost.EngineEvent) bool
}

// New returns a Sink forwarding to next only the events accepted by keep.
func New(next enginehost.EventSink, keep func(enginehost.EngineEvent) bool) *Sink {
	return &Sink{next: next, keep: keep}
}

func (s *Sink) EmitAppServerEvent(ev enginehost.AppServerEvent) {
	if s.keep(ev.Params) {
		s.next.EmitAppServerEvent(ev)
	}
}

func (s *Sink) EmitTerminalOutput(out enginehost.TerminalOutput) {
	s.next.EmitTerminalOutput(out)
}

// Filter returns a Sink that only passes events of the given kinds.
func Filter(next enginehost.EventSink, kinds ...enginehost.EventKind) *Sink {
	allowed := make(map[enginehost.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return New(next, func(ev enginehost.EngineEvent) bool {
		_, ok := allowed[ev.Kind]
		return ok
	})
}

// Completed returns a Sink that drops all delta/high-frequency kinds,
// passing only events a client needs to render settled state.
func Completed(next enginehost.EventSink) *Sink {
	return New(next, func(ev enginehost.EngineEvent) bool {
		return !IsDelta(ev.Kind)
	})
}

// ResultOnly returns a Sink that passes only the terminal events concluding
// a turn (turn:completed, turn:error).
func ResultOnly(next enginehost.EventSink) *Sink {
	return New(next, func(ev enginehost.EngineEvent) bool {
		return ev.IsTerminal()
	})
}

// IsDelta reports whether k is a streaming delta (partial) event kind.
// Convention: every delta kind uses the ":delta" suffix (text:delta,
// reasoning:delta). This avoids a switch statement that needs updating
// each time a new delta kind is added.
func IsDelta(k enginehost.EventKind) bool {
	return strings.HasSuffix(string(k), ":delta")
}
