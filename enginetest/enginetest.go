// Package enginetest is a shared compliance-test harness for the argv
// builders and line translators each engine adapter (claude, codex,
// opencode) implements. Each adapter's own _test.go calls the functions
// here once instead of re-deriving the same argv-safety and
// parse-robustness assertions three times.
package enginetest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/lattice-run/enginehost"
)

// garbageCorpus is a fixed set of adversarial raw-line inputs exercised by
// RunTranslateTests: a null byte, an oversized line, malformed braces,
// invalid UTF-8, a key with a null value, and the two JSON literals most
// likely to be mistaken for an object.
var garbageCorpus = []string{
	"\x00",
	strings.Repeat("x", 65536),
	"{{{",
	"\xff\xfe",
	`{"":null}`,
	"null",
	"[]",
}

// SpawnFunc is the shape shared by every adapter's SpawnArgs: build argv
// for a first turn given a prompt.
type SpawnFunc func(prompt string) (binary string, args []string)

// RunSpawnArgsTests checks the structural and null-byte-safety contract
// every SpawnArgs implementation must satisfy, regardless of backend.
func RunSpawnArgsTests(t *testing.T, spawn SpawnFunc) {
	t.Helper()

	t.Run("BinaryNonEmpty", func(t *testing.T) {
		binary, _ := spawn("hello")
		if binary == "" {
			t.Error("binary must be non-empty")
		}
	})

	t.Run("ArgsNonNil", func(t *testing.T) {
		_, args := spawn("hello")
		if args == nil {
			t.Error("args must be non-nil")
		}
	})

	t.Run("NoNullBytesInArgs", func(t *testing.T) {
		_, args := spawn("hello")
		if i, ok := indexNullArg(args); ok {
			t.Errorf("args[%d] contains null bytes", i)
		}
	})

	t.Run("NullBytePromptExcluded", func(t *testing.T) {
		_, args := spawn("hello\x00world")
		if containsArg(args, "hello\x00world") {
			t.Error("a null-byte prompt must not appear verbatim in args")
		}
	})

	t.Run("EmptyPromptNoPanic", func(t *testing.T) {
		_, args := spawn("")
		if args == nil {
			t.Error("args must be non-nil even for an empty prompt")
		}
	})
}

// ResumeFunc is the shape shared by every adapter's ResumeArgs, after the
// caller has closed over whatever session/thread id plumbing that backend
// needs.
type ResumeFunc func(prompt string) (binary string, args []string, err error)

// RunResumeArgsTests checks the resume-path contract: a missing resume id
// must fail, and a valid resume call must produce a non-empty binary and
// args carrying the resume id. Null-byte prompts are not checked here.
func RunResumeArgsTests(t *testing.T, withoutResumeID, withResumeID ResumeFunc, resumeID string) {
	t.Helper()

	t.Run("NoResumeIDFails", func(t *testing.T) {
		_, _, err := withoutResumeID("hello")
		if err == nil {
			t.Error("ResumeArgs with no resume id should return an error")
		}
	})

	t.Run("ValidResumeSucceeds", func(t *testing.T) {
		binary, args, err := withResumeID("hello")
		if err != nil {
			t.Fatalf("ResumeArgs with a valid resume id should not error: %v", err)
		}
		if binary == "" {
			t.Error("binary must be non-empty")
		}
		if args == nil {
			t.Error("args must be non-nil")
		}
		if !containsArg(args, resumeID) {
			t.Errorf("args %v must contain resume id %q", args, resumeID)
		}
	})
}

// TranslateFunc is the shape of Adapter.Translate.
type TranslateFunc func(value map[string]any, rawLine string) []enginehost.EngineEvent

// TranslateParseErrorFunc is the shape of Adapter.TranslateParseError.
type TranslateParseErrorFunc func(rawLine string, parseErr error) enginehost.EngineEvent

// RunTranslateTests feeds garbageCorpus through the same decode-then-route
// logic enginesession.Session.readLoop uses (json.Unmarshal into
// map[string]any, TranslateParseError on failure or on a non-object
// value, Translate otherwise), asserting that neither function panics and
// that every EngineEvent produced carries a non-empty Kind.
func RunTranslateTests(t *testing.T, translate TranslateFunc, translateParseError TranslateParseErrorFunc) {
	t.Helper()

	t.Run("GarbageNoPanicAndNonEmptyKind", func(t *testing.T) {
		for _, line := range garbageCorpus {
			var value map[string]any
			err := json.Unmarshal([]byte(line), &value)
			if err != nil || value == nil {
				if err == nil {
					err = errNotAnObject
				}
				ev := translateParseError(line, err)
				if ev.Kind == "" {
					t.Errorf("TranslateParseError(%q) returned an event with empty Kind", line)
				}
				continue
			}
			for _, ev := range translate(value, line) {
				if ev.Kind == "" {
					t.Errorf("Translate(%q) returned an event with empty Kind", line)
				}
			}
		}
	})

	t.Run("EmptyObjectNoPanic", func(t *testing.T) {
		_ = translate(map[string]any{}, "{}")
	})

	t.Run("UnknownTypeFieldNoPanic", func(t *testing.T) {
		for _, typ := range []any{99, true, []any{}, nil, "unknown-type"} {
			_ = translate(map[string]any{"type": typ}, `{"type":...}`)
		}
	})
}

var errNotAnObject = notAnObjectError{}

type notAnObjectError struct{}

func (notAnObjectError) Error() string { return "enginetest: value is not a JSON object" }

func containsArg(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

func indexNullArg(args []string) (int, bool) {
	for i, a := range args {
		if strings.Contains(a, "\x00") {
			return i, true
		}
	}
	return 0, false
}
