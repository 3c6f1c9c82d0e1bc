package eventfilter

import (
	"testing"

	"github.com/lattice-run/enginehost"
)

type fakeSink struct {
	events    []enginehost.AppServerEvent
	terminals []enginehost.TerminalOutput
}

func (f *fakeSink) EmitAppServerEvent(ev enginehost.AppServerEvent) {
	f.events = append(f.events, ev)
}

func (f *fakeSink) EmitTerminalOutput(out enginehost.TerminalOutput) {
	f.terminals = append(f.terminals, out)
}

func appEvent(kind enginehost.EventKind) enginehost.AppServerEvent {
	ev := enginehost.EngineEvent{Kind: kind, WorkspaceID: "ws1"}
	return enginehost.NewAppServerEvent(ev)
}

func TestFilterPassesOnlyAllowedKinds(t *testing.T) {
	fake := &fakeSink{}
	sink := Filter(fake, enginehost.EventTextDelta)

	sink.EmitAppServerEvent(appEvent(enginehost.EventTextDelta))
	sink.EmitAppServerEvent(appEvent(enginehost.EventToolStarted))

	if len(fake.events) != 1 {
		t.Fatalf("expected 1 forwarded event, got %d", len(fake.events))
	}
	if fake.events[0].Params.Kind != enginehost.EventTextDelta {
		t.Errorf("forwarded event kind = %q", fake.events[0].Params.Kind)
	}
}

func TestCompletedDropsDeltas(t *testing.T) {
	fake := &fakeSink{}
	sink := Completed(fake)

	kinds := []enginehost.EventKind{
		enginehost.EventTextDelta,
		enginehost.EventReasoningDelta,
		enginehost.EventToolStarted,
		enginehost.EventTurnCompleted,
	}
	for _, k := range kinds {
		sink.EmitAppServerEvent(appEvent(k))
	}

	if len(fake.events) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", len(fake.events))
	}
	for _, ev := range fake.events {
		if IsDelta(ev.Params.Kind) {
			t.Errorf("delta kind %q should have been dropped", ev.Params.Kind)
		}
	}
}

func TestResultOnlyPassesOnlyTerminalEvents(t *testing.T) {
	fake := &fakeSink{}
	sink := ResultOnly(fake)

	sink.EmitAppServerEvent(appEvent(enginehost.EventTurnStarted))
	sink.EmitAppServerEvent(appEvent(enginehost.EventTextDelta))
	sink.EmitAppServerEvent(appEvent(enginehost.EventTurnCompleted))
	sink.EmitAppServerEvent(appEvent(enginehost.EventTurnError))

	if len(fake.events) != 2 {
		t.Fatalf("expected 2 forwarded terminal events, got %d", len(fake.events))
	}
	for _, ev := range fake.events {
		if !ev.Params.IsTerminal() {
			t.Errorf("non-terminal kind %q should have been dropped", ev.Params.Kind)
		}
	}
}

func TestTerminalOutputAlwaysPassesThrough(t *testing.T) {
	fake := &fakeSink{}
	sink := ResultOnly(fake)

	sink.EmitTerminalOutput(enginehost.TerminalOutput{WorkspaceID: "ws1", TerminalID: "t1", Data: "ls\r\n"})

	if len(fake.terminals) != 1 {
		t.Fatalf("expected terminal output to pass through unfiltered, got %d", len(fake.terminals))
	}
}

func TestIsDelta(t *testing.T) {
	cases := map[enginehost.EventKind]bool{
		enginehost.EventTextDelta:      true,
		enginehost.EventReasoningDelta: true,
		enginehost.EventToolStarted:    false,
		enginehost.EventTurnCompleted:  false,
	}
	for kind, want := range cases {
		if got := IsDelta(kind); got != want {
			t.Errorf("IsDelta(%q) = %v, want %v", kind, got, want)
		}
	}
}
