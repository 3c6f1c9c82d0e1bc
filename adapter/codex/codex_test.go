package codex

import (
	"testing"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/enginetest"
)

const testThreadID = "thread-123"

func TestSpawnArgsCompliance(t *testing.T) {
	enginetest.RunSpawnArgsTests(t, func(prompt string) (string, []string) {
		return SpawnArgs(BuildOptions{Model: "gpt-5.2-codex"}, prompt)
	})
}

func TestResumeArgsCompliance(t *testing.T) {
	enginetest.RunResumeArgsTests(t,
		func(prompt string) (string, []string, error) {
			return ResumeArgs(BuildOptions{}, prompt)
		},
		func(prompt string) (string, []string, error) {
			return ResumeArgs(BuildOptions{ResumeThreadID: testThreadID}, prompt)
		},
		testThreadID,
	)
}

func TestSpawnArgsRejectsLeadingDashModel(t *testing.T) {
	_, args := SpawnArgs(BuildOptions{Model: "-evil"}, "hi")
	if containsArg(args, "-evil") || containsArg(args, "-m") {
		t.Errorf("a leading-dash model must be omitted entirely, got %v", args)
	}
}

func TestResumeArgsDropsSandboxOverride(t *testing.T) {
	_, args, err := ResumeArgs(BuildOptions{ResumeThreadID: testThreadID, Sandbox: SandboxDangerFullAccess}, "hi")
	if err != nil {
		t.Fatalf("ResumeArgs: %v", err)
	}
	if containsArg(args, "--sandbox") {
		t.Errorf("resume path must not carry --sandbox, got %v", args)
	}
}

func TestTranslateCompliance(t *testing.T) {
	adapter := NewAdapter("turn-1", "")
	enginetest.RunTranslateTests(t, adapter.Translate, adapter.TranslateParseError)
}

func TestTranslateApprovalRequestUnwrapsInnerEnvelope(t *testing.T) {
	adapter := NewAdapter("turn-1", "")
	raw := map[string]any{
		"id":     float64(7),
		"method": "codex/request",
		"params": map[string]any{
			"id":     float64(42),
			"method": "exec",
			"params": map[string]any{
				"command": []any{"rm", "-rf", "/tmp/x"},
			},
		},
	}
	events := adapter.Translate(raw, `{}`)
	if len(events) != 1 {
		t.Fatalf("Translate(codex/request) = %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != enginehost.EventApprovalRequest {
		t.Fatalf("Kind = %q, want approval:request", ev.Kind)
	}
	if ev.TurnID != "turn-1" {
		t.Errorf("TurnID = %q, want turn-1", ev.TurnID)
	}
	if ev.RequestID != "42" {
		t.Errorf("RequestID = %q, want the inner request id 42, not the outer envelope id 7", ev.RequestID)
	}
	if ev.Message == "" || ev.Message == "exec approval requested" {
		t.Errorf("Message = %q, want the flattened command included", ev.Message)
	}
}

func TestTranslateApprovalRequestIgnoresNonActionableMethod(t *testing.T) {
	adapter := NewAdapter("turn-1", "")
	raw := map[string]any{
		"id":     float64(1),
		"method": "codex/request",
		"params": map[string]any{
			"id":     float64(2),
			"method": "unrelated_method",
		},
	}
	events := adapter.Translate(raw, `{}`)
	if len(events) != 1 || events[0].Kind != enginehost.EventRaw {
		t.Fatalf("Translate(codex/request, unrelated method) = %+v, want a single raw event", events)
	}
}

func containsArg(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}
