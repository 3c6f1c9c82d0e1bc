package enginehost

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// WorkspaceID identifies a workspace. It is an opaque stable string assigned
// by the caller; enginehost never parses or generates one.
type WorkspaceID string

// ThreadID identifies a conversation thread. Before a real engine session id
// is known, a thread is addressed by a pending id; once the engine reports
// its session id, the thread adopts the canonical form "<engine>:<sessionId>".
type ThreadID string

// PendingThreadID returns a placeholder thread id scoped to engine and turn,
// used for events emitted before the engine's session:started arrives.
func PendingThreadID(engine EngineType, turn TurnID) ThreadID {
	return ThreadID(fmt.Sprintf("%s-pending-%s", engine, turn))
}

// CanonicalThreadID builds the canonical "<engine>:<sessionId>" form.
func CanonicalThreadID(engine EngineType, sessionID string) ThreadID {
	return ThreadID(fmt.Sprintf("%s:%s", engine, sessionID))
}

// IsPending reports whether t is a pending-form thread id.
func (t ThreadID) IsPending() bool {
	return strings.Contains(string(t), "-pending-")
}

// TurnID identifies one outgoing user message and its reply stream. The
// host mints a fresh TurnID for every send_message call; it is never
// supplied by the caller or by the engine.
type TurnID string

// NewTurnID mints a fresh, sortable, collision-resistant turn id.
func NewTurnID(entropy *ulid.MonotonicEntropy) TurnID {
	id := ulid.MustNew(ulid.Now(), entropy)
	return TurnID(id.String())
}

// GenerateUniqueID appends the smallest available "-N" suffix (starting at
// 1) to base until the result is absent from existing. If base itself is
// absent from existing, base is returned unchanged.
func GenerateUniqueID(base string, existing map[string]struct{}) string {
	if _, taken := existing[base]; !taken {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}
