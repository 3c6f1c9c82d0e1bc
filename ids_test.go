package enginehost

import (
	"crypto/rand"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestPendingThreadIDIsPending(t *testing.T) {
	id := PendingThreadID(EngineClaude, TurnID("01ARZ3NDEKTSV4RRFFQ69G5FAV"))
	if !id.IsPending() {
		t.Errorf("PendingThreadID(%q) should report IsPending", id)
	}
}

func TestCanonicalThreadIDIsNotPending(t *testing.T) {
	id := CanonicalThreadID(EngineClaude, "sess-123")
	if id.IsPending() {
		t.Errorf("CanonicalThreadID(%q) should not report IsPending", id)
	}
	if id != "claude:sess-123" {
		t.Errorf("CanonicalThreadID = %q", id)
	}
}

func TestNewTurnIDIsSortableAndUnique(t *testing.T) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	first := NewTurnID(entropy)
	second := NewTurnID(entropy)

	if first == second {
		t.Error("two successive NewTurnID calls produced the same id")
	}
	if string(first) >= string(second) {
		t.Errorf("monotonic ids should sort increasing: %q >= %q", first, second)
	}
}

func TestGenerateUniqueIDReturnsBaseWhenFree(t *testing.T) {
	got := GenerateUniqueID("workspace", map[string]struct{}{})
	if got != "workspace" {
		t.Errorf("GenerateUniqueID = %q, want base returned unchanged", got)
	}
}

func TestGenerateUniqueIDAppendsSuffix(t *testing.T) {
	existing := map[string]struct{}{
		"workspace":   {},
		"workspace-1": {},
		"workspace-2": {},
	}
	got := GenerateUniqueID("workspace", existing)
	if got != "workspace-3" {
		t.Errorf("GenerateUniqueID = %q, want %q", got, "workspace-3")
	}
}
