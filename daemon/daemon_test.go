package daemon

import (
	"context"
	"strings"
	"testing"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/enginesession"
)

func TestAnnotatedTextNoDirectives(t *testing.T) {
	pol := enginehost.CollaborationPolicy{}
	got := annotatedText("hello", pol)
	if got != "hello" {
		t.Errorf("annotatedText with no directives changed the text: %q", got)
	}
}

func TestAnnotatedTextPrependsDirectives(t *testing.T) {
	pol := enginehost.CollaborationPolicy{Directives: []string{"Collaboration mode: plan"}}
	got := annotatedText("hello", pol)
	if !strings.HasPrefix(got, "Collaboration mode: plan\n") {
		t.Errorf("annotatedText did not prefix the directive: %q", got)
	}
	if !strings.HasSuffix(got, "hello") {
		t.Errorf("annotatedText dropped the original text: %q", got)
	}
}

func TestSendWorkerUnsupportedEngine(t *testing.T) {
	worker := sendWorker(enginehost.EngineGemini, enginehost.SendMessageParams{Text: "hi"}, enginehost.CollaborationPolicy{})
	err := worker(context.Background(), nil, "turn-1")
	if err == nil {
		t.Fatal("expected an error for an engine with no send path")
	}
}

func TestSendWorkerCodexAndOpencodeAreNoOps(t *testing.T) {
	for _, engine := range []enginehost.EngineType{enginehost.EngineCodex, enginehost.EngineOpencode} {
		worker := sendWorker(engine, enginehost.SendMessageParams{Text: "hi"}, enginehost.CollaborationPolicy{})
		// Codex/OpenCode bake the prompt into spawn argv, so the worker must
		// not touch the (nil, in this test) session at all.
		if err := worker(context.Background(), nil, "turn-1"); err != nil {
			t.Errorf("%s: expected nil error from a no-op worker, got %v", engine, err)
		}
	}
}

func TestSessionKeyEquality(t *testing.T) {
	a := sessionKey{workspace: "ws1", engine: enginehost.EngineClaude}
	b := sessionKey{workspace: "ws1", engine: enginehost.EngineClaude}
	c := sessionKey{workspace: "ws2", engine: enginehost.EngineClaude}
	if a != b {
		t.Error("identical sessionKey values should compare equal")
	}
	if a == c {
		t.Error("sessionKeys for different workspaces should not compare equal")
	}
}

func TestNewDispatcherInitializesLastIDMap(t *testing.T) {
	d := NewDispatcher(nil, NewProber(), enginehost.NopSink{}, nil, enginesession.ClientInfo{Name: "test"})
	if d.lastID == nil {
		t.Fatal("expected lastID map to be initialized")
	}
	d.rememberResumeID(sessionKey{workspace: "ws", engine: enginehost.EngineClaude}, "abc123")
	d.mu.Lock()
	got := d.lastID[sessionKey{workspace: "ws", engine: enginehost.EngineClaude}]
	d.mu.Unlock()
	if got != "abc123" {
		t.Errorf("rememberResumeID did not persist the id, got %q", got)
	}
}
