// Package opencode adapts the OpenCode CLI to the enginehost session
// model. OpenCode has no streaming-input mode: multi-turn conversation is
// resume-per-turn, a fresh subprocess spawned with --session <id> for every
// send_message after the first.
package opencode

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/lattice-run/enginehost/internal/cliargs"
	"github.com/lattice-run/enginehost/internal/jsonutil"
)

// Variant controls provider-specific reasoning effort level via --variant.
type Variant string

const (
	VariantHigh    Variant = "high"
	VariantMax     Variant = "max"
	VariantMinimal Variant = "minimal"
	VariantLow     Variant = "low"
)

// validSessionID matches observed OpenCode session IDs: "ses_" + 20-40
// alphanumeric characters.
var validSessionID = regexp.MustCompile(`^ses_[a-zA-Z0-9]{20,40}$`)

const DefaultBinary = "opencode"

// maxTitleLen caps --title to a sane CLI argument length; longer values are
// silently dropped rather than rejected.
const maxTitleLen = 512

// BuildOptions carries the per-turn and per-session knobs that influence
// argv construction, collapsed from enginehost.SendMessageParams.
type BuildOptions struct {
	Binary   string
	Model    string
	Variant  Variant
	Thinking bool
	Agent    string
	Title    string
	Fork     bool

	ResumeSessionID string // explicit fallback; the adapter's captured id wins
}

// SpawnArgs builds argv for a first turn. When ResumeSessionID is set and
// valid it is used for a cold resume (continuing a session whose id is
// already known but whose subprocess has exited).
func SpawnArgs(opts BuildOptions, prompt string) (string, []string) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := baseArgs()
	args = appendCommonArgs(args, opts)

	if opts.ResumeSessionID != "" && validSessionID.MatchString(opts.ResumeSessionID) {
		args = append(args, "--session", opts.ResumeSessionID)
	}
	if cliargs.SafeFlagValue(opts.Agent) {
		args = append(args, "--agent", opts.Agent)
	}
	if t := opts.Title; t != "" && !jsonutil.ContainsNull(t) && len(t) <= maxTitleLen {
		args = append(args, "--title", t)
	}
	if prompt != "" && !jsonutil.ContainsNull(prompt) {
		args = append(args, prompt)
	}
	return binary, args
}

// ResumeArgs builds argv to resume an existing session, given the session
// id the caller has already resolved (the atomic write-once capture from
// the adapter's first step_start, or an explicit override).
func ResumeArgs(opts BuildOptions, sessionID, prompt string) (string, []string, error) {
	if sessionID == "" {
		return "", nil, errors.New("opencode: no session id available")
	}
	if !validSessionID.MatchString(sessionID) {
		return "", nil, fmt.Errorf("opencode: invalid session id %q", sessionID)
	}
	if jsonutil.ContainsNull(prompt) {
		return "", nil, errors.New("opencode: prompt contains null bytes")
	}

	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := baseArgs()
	args = append(args, "--session", sessionID)
	if opts.Fork {
		args = append(args, "--fork")
	}
	args = appendCommonArgs(args, opts)
	if prompt != "" {
		args = append(args, prompt)
	}
	return binary, args, nil
}

func baseArgs() []string {
	return []string{"run", "--format", "json"}
}

// appendCommonArgs appends model, thinking, and variant flags. OpenCode has
// no flags for collaboration mode or HITL; a caller wanting HITL-off for
// this backend must set OPENCODE_AUTO_APPROVE=1 on the child's environment
// instead (the CLI has no flag for it).
func appendCommonArgs(args []string, opts BuildOptions) []string {
	if cliargs.SafeFlagValue(opts.Model) {
		args = append(args, "--model", opts.Model)
	}
	if opts.Thinking {
		args = append(args, "--thinking")
	}
	if opts.Variant != "" {
		args = append(args, "--variant", string(opts.Variant))
	}
	return args
}
