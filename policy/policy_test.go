package policy

import (
	"testing"

	"github.com/lattice-run/enginehost"
)

func TestResolveExplicitValidModeWins(t *testing.T) {
	p := Resolve("code", "plan")
	if p.EffectiveMode != enginehost.ModeCode {
		t.Errorf("EffectiveMode = %q, want code", p.EffectiveMode)
	}
	if p.FallbackReason != "" {
		t.Errorf("FallbackReason = %q, want empty for an explicit valid selection", p.FallbackReason)
	}
	if p.RequestUserInputPolicy != enginehost.InputPolicyBlock {
		t.Errorf("RequestUserInputPolicy = %q, want block for code mode", p.RequestUserInputPolicy)
	}
}

func TestResolveMapPayloadModeField(t *testing.T) {
	p := Resolve(map[string]any{"mode": "  Plan  "}, "")
	if p.EffectiveMode != enginehost.ModePlan {
		t.Errorf("EffectiveMode = %q, want plan", p.EffectiveMode)
	}
}

func TestResolveMapPayloadIDFallbackField(t *testing.T) {
	p := Resolve(map[string]any{"id": "code"}, "")
	if p.EffectiveMode != enginehost.ModeCode {
		t.Errorf("EffectiveMode = %q, want code", p.EffectiveMode)
	}
}

func TestResolveMissingFallsBackToThreadState(t *testing.T) {
	p := Resolve(nil, "code")
	if p.EffectiveMode != enginehost.ModeCode {
		t.Errorf("EffectiveMode = %q, want code", p.EffectiveMode)
	}
	if p.FallbackReason != enginehost.FallbackMissingModeUsingThreadState {
		t.Errorf("FallbackReason = %q", p.FallbackReason)
	}
}

func TestResolveInvalidFallsBackToThreadStateWithDifferentReason(t *testing.T) {
	p := Resolve("yolo", "code")
	if p.EffectiveMode != enginehost.ModeCode {
		t.Errorf("EffectiveMode = %q, want code", p.EffectiveMode)
	}
	if p.FallbackReason != enginehost.FallbackInvalidModeUsingThreadState {
		t.Errorf("FallbackReason = %q", p.FallbackReason)
	}
}

func TestResolveDefaultsToPlanWhenNoStateEither(t *testing.T) {
	p := Resolve(nil, "")
	if p.EffectiveMode != enginehost.ModePlan {
		t.Errorf("EffectiveMode = %q, want plan", p.EffectiveMode)
	}
	if p.FallbackReason != enginehost.FallbackDefaultPlan {
		t.Errorf("FallbackReason = %q", p.FallbackReason)
	}
}

func TestResolveInvalidPersistedModeAlsoFallsBackToDefault(t *testing.T) {
	p := Resolve(nil, "yolo")
	if p.EffectiveMode != enginehost.ModePlan {
		t.Errorf("EffectiveMode = %q, want plan", p.EffectiveMode)
	}
	if p.FallbackReason != enginehost.FallbackDefaultPlan {
		t.Errorf("FallbackReason = %q", p.FallbackReason)
	}
}

func TestResolveInputPolicyInvariant(t *testing.T) {
	cases := []struct {
		payload  any
		persist  string
	}{
		{"plan", ""},
		{"code", ""},
		{nil, "plan"},
		{nil, "code"},
		{nil, ""},
	}
	for _, c := range cases {
		p := Resolve(c.payload, c.persist)
		wantBlock := p.EffectiveMode == enginehost.ModeCode
		gotBlock := p.RequestUserInputPolicy == enginehost.InputPolicyBlock
		if gotBlock != wantBlock {
			t.Errorf("Resolve(%v, %q): RequestUserInputPolicy=%q inconsistent with EffectiveMode=%q",
				c.payload, c.persist, p.RequestUserInputPolicy, p.EffectiveMode)
		}
	}
}

func TestResolveDirectivesNamesEffectiveMode(t *testing.T) {
	p := Resolve("code", "")
	if len(p.Directives) != 1 || p.Directives[0] != "Collaboration mode: code" {
		t.Errorf("Directives = %v", p.Directives)
	}
}

func TestApplyToRequestMergesSettingsAndTopLevel(t *testing.T) {
	p := Resolve("code", "")
	out := ApplyToRequest(map[string]any{"foo": "bar"}, p)

	if out["foo"] != "bar" {
		t.Error("ApplyToRequest must preserve unrelated top-level fields")
	}
	if out["effectiveMode"] != "code" {
		t.Errorf("effectiveMode = %v", out["effectiveMode"])
	}
	settings, ok := out["settings"].(map[string]any)
	if !ok {
		t.Fatalf("settings missing or wrong type: %v", out["settings"])
	}
	if settings["developer_instructions"] != "Collaboration mode: code" {
		t.Errorf("developer_instructions = %v", settings["developer_instructions"])
	}
	runtime, ok := settings["_runtime"].(map[string]any)
	if !ok {
		t.Fatalf("settings._runtime missing or wrong type")
	}
	if runtime["effective_mode"] != "code" {
		t.Errorf("_runtime.effective_mode = %v", runtime["effective_mode"])
	}
}

func TestApplyToRequestDoesNotMutateInputPayload(t *testing.T) {
	p := Resolve("plan", "")
	in := map[string]any{"foo": "bar"}
	_ = ApplyToRequest(in, p)

	if _, ok := in["settings"]; ok {
		t.Error("ApplyToRequest must not mutate the caller's payload map")
	}
}

func TestApplyToRequestDedupesExistingDirective(t *testing.T) {
	p := Resolve("plan", "")
	in := map[string]any{
		"settings": map[string]any{
			"developer_instructions": "Collaboration mode: plan",
		},
	}
	out := ApplyToRequest(in, p)
	settings := out["settings"].(map[string]any)
	if settings["developer_instructions"] != "Collaboration mode: plan" {
		t.Errorf("developer_instructions should not be duplicated, got %v", settings["developer_instructions"])
	}
}

func TestApplyToRequestAppendsToExistingDirectives(t *testing.T) {
	p := Resolve("plan", "")
	in := map[string]any{
		"settings": map[string]any{
			"developer_instructions": "Be concise.",
		},
	}
	out := ApplyToRequest(in, p)
	settings := out["settings"].(map[string]any)
	want := "Be concise. Collaboration mode: plan"
	if settings["developer_instructions"] != want {
		t.Errorf("developer_instructions = %q, want %q", settings["developer_instructions"], want)
	}
}
