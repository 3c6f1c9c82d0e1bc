// Package claude adapts the Claude Code CLI to the enginehost session
// model: argv construction for spawn/stream/resume, stdin message framing,
// and translation of its stream-json output into unified EngineEvents.
package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/cliargs"
	"github.com/lattice-run/enginehost/internal/jsonutil"
)

// PermissionMode values, namespaced to this backend since permission
// modes are Claude-CLI-specific.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypassAll   PermissionMode = "bypassAll"
	PermissionPlan        PermissionMode = "plan"
)

const DefaultBinary = "claude"

var validResumeID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// BuildOptions carries the per-turn and per-session knobs that influence
// argv construction, collapsed from enginehost.SendMessageParams and the
// resolved CollaborationPolicy.
type BuildOptions struct {
	Binary             string
	Model              string
	AccessMode         string // mirrors root Mode/HITL precedence, resolved by the caller
	PermissionMode     PermissionMode
	PartialMessages    bool
	ResumeSessionID    string
}

// SpawnArgs builds argv for a one-shot (non-streaming) invocation with the
// prompt as the final positional argument.
func SpawnArgs(opts BuildOptions, prompt string) (string, []string) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := baseArgs()
	args = appendSessionArgs(args, opts)
	if !jsonutil.ContainsNull(prompt) {
		args = append(args, prompt)
	}
	return binary, args
}

// StreamArgs builds argv for a long-lived streaming session: stdin carries
// framed JSON messages instead of a trailing positional prompt.
func StreamArgs(opts BuildOptions) (string, []string) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := baseArgs()
	args = append(args, "--input-format", "stream-json")
	if opts.PartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if opts.ResumeSessionID != "" && validResumeID.MatchString(opts.ResumeSessionID) {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	args = appendSessionArgs(args, opts)
	return binary, args
}

// ResumeArgs builds argv to resume an existing session with initialPrompt
// as the trailing positional argument. Unlike SpawnArgs/StreamArgs this
// path validates strictly and can fail.
func ResumeArgs(opts BuildOptions, initialPrompt string) (string, []string, error) {
	if opts.ResumeSessionID == "" {
		return "", nil, errors.New("claude: missing resume session id")
	}
	if !validResumeID.MatchString(opts.ResumeSessionID) {
		return "", nil, fmt.Errorf("claude: invalid resume session id %q", opts.ResumeSessionID)
	}
	if jsonutil.ContainsNull(initialPrompt) {
		return "", nil, errors.New("claude: initial prompt contains null bytes")
	}

	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := baseArgs()
	args = append(args, "--resume", opts.ResumeSessionID)
	args = appendSessionArgs(args, opts)
	args = append(args, initialPrompt)
	return binary, args, nil
}

// MessagePayload builds the stdin message value for a streaming session's
// input pipe: {"type":"user","message":{"role":"user","content":message}}.
// Exposed as a value (not pre-encoded bytes) so callers writing through a
// linecodec.Writer can pass it straight to WriteValue.
func MessagePayload(message string) (map[string]any, error) {
	if jsonutil.ContainsNull(message) {
		return nil, errors.New("claude: message contains null bytes")
	}
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": message,
		},
	}, nil
}

// FormatInput encodes a user message for the stdin pipe of a streaming
// session.
func FormatInput(message string) ([]byte, error) {
	stdinMsg, err := MessagePayload(message)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(stdinMsg)
	if err != nil {
		return nil, fmt.Errorf("claude: marshal stdin: %w", err)
	}
	return append(data, '\n'), nil
}

func baseArgs() []string {
	return []string{"-p", "--verbose", "--output-format", "stream-json"}
}

func appendSessionArgs(args []string, opts BuildOptions) []string {
	if cliargs.SafeFlagValue(opts.Model) {
		args = append(args, "--model", opts.Model)
	}
	if flag, ok := resolvePermissionFlag(opts); ok {
		args = append(args, "--permission-mode", flag)
	}
	return args
}

// resolvePermissionFlag honors root-level AccessMode over the
// backend-specific PermissionMode, matching the CLI-family-wide
// convention that root options take precedence (§4.7's mode resolution
// is the caller-side analogue of this same rule).
func resolvePermissionFlag(opts BuildOptions) (string, bool) {
	switch enginehost.CollaborationMode(opts.AccessMode) {
	case enginehost.ModePlan:
		return "plan", true
	case enginehost.ModeCode:
		if opts.PermissionMode == "" || opts.PermissionMode == PermissionDefault {
			return "", false
		}
	}

	if opts.PermissionMode == "" || opts.PermissionMode == PermissionDefault {
		return "", false
	}
	switch opts.PermissionMode {
	case PermissionAcceptEdits:
		return "acceptEdits", true
	case PermissionBypassAll:
		return "bypassPermissions", true
	case PermissionPlan:
		return "plan", true
	default:
		return "", false
	}
}
