package cliargs

import "testing"

func TestDeveloperInstructionsArgsShapeAndEscaping(t *testing.T) {
	args := DeveloperInstructionsArgs()
	if len(args) != 2 || args[0] != "-c" {
		t.Fatalf("DeveloperInstructionsArgs = %v, want [-c, ...]", args)
	}
	if got := escapeTOML(`a"b\c`); got != `a\"b\\c` {
		t.Errorf("escapeTOML = %q", got)
	}
}

func TestInjectIfAbsentAppendsWhenNoOverride(t *testing.T) {
	got := InjectIfAbsent([]string{"--model", "foo"})
	want := append([]string{"--model", "foo"}, DeveloperInstructionsArgs()...)
	if len(got) != len(want) {
		t.Fatalf("InjectIfAbsent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("InjectIfAbsent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInjectIfAbsentSkipsWhenAlreadyOverridden(t *testing.T) {
	in := []string{"-c", `developer_instructions="custom"`}
	got := InjectIfAbsent(in)
	if len(got) != len(in) {
		t.Errorf("InjectIfAbsent should not append when overridden, got %v", got)
	}
}

func TestUserOverridesInstructionsDetectsInlineToken(t *testing.T) {
	if !UserOverridesInstructions([]string{`developer_instructions="x"`}) {
		t.Error("expected inline developer_instructions token to be detected")
	}
	if !UserOverridesInstructions([]string{`instructions="x"`}) {
		t.Error("expected inline instructions token to be detected")
	}
}

func TestUserOverridesInstructionsDetectsFlagPair(t *testing.T) {
	if !UserOverridesInstructions([]string{"-c", `developer_instructions="x"`}) {
		t.Error("expected -c flag pair to be detected")
	}
	if !UserOverridesInstructions([]string{"--config", `instructions="x"`}) {
		t.Error("expected --config flag pair to be detected")
	}
}

func TestUserOverridesInstructionsFalseOnUnrelatedArgs(t *testing.T) {
	if UserOverridesInstructions([]string{"--model", "foo", "-c", `other="x"`}) {
		t.Error("unrelated args should not be detected as an override")
	}
}

func TestUserOverridesInstructionsFlagAtEndWithNoFollowingToken(t *testing.T) {
	if UserOverridesInstructions([]string{"--model", "foo", "-c"}) {
		t.Error("a trailing -c with no following token must not be treated as an override")
	}
}

func TestHasOverrideKeyStripsDashes(t *testing.T) {
	if !hasOverrideKey(`--developer_instructions="x"`) {
		t.Error("expected -- prefixed key to match")
	}
	if !hasOverrideKey(`-instructions="x"`) {
		t.Error("expected - prefixed key to match")
	}
	if hasOverrideKey("noequalssign") {
		t.Error("a token without '=' must not match")
	}
	if hasOverrideKey(`unrelated="x"`) {
		t.Error("an unrelated key must not match")
	}
}

func TestSafeFlagValue(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"-danger", false},
		{"--danger", false},
		{"claude-3", true},
		{"valid-value", true},
		{"x\x00y", false},
	}
	for _, c := range cases {
		if got := SafeFlagValue(c.in); got != c.want {
			t.Errorf("SafeFlagValue(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
