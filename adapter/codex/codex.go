// Package codex adapts the Codex CLI to the enginehost session model: argv
// construction for exec/resume, and translation of its JSONL event stream
// into unified EngineEvents.
package codex

import (
	"errors"
	"fmt"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/cliargs"
	"github.com/lattice-run/enginehost/internal/jsonutil"
)

// Sandbox values, namespaced to this backend since sandbox policy names are
// Codex-CLI-specific.
type Sandbox string

const (
	SandboxReadOnly         Sandbox = "read-only"
	SandboxWorkspaceWrite   Sandbox = "workspace-write"
	SandboxDangerFullAccess Sandbox = "danger-full-access"
)

const DefaultBinary = "codex"

const (
	subcmdExec   = "exec"
	subcmdResume = "resume"
	flagJSON     = "--json"
)

// codexEffort maps the root-level reasoning effort knob onto the values
// Codex's -c model_reasoning_effort accepts. Codex has no "max" tier of its
// own; "max" is folded into "xhigh", its highest tier.
var codexEffort = map[string]string{
	"low":    "low",
	"medium": "medium",
	"high":   "high",
	"max":    "xhigh",
}

// BuildOptions carries the per-turn and per-session knobs that influence
// argv construction, collapsed from enginehost.SendMessageParams and the
// resolved CollaborationPolicy.
type BuildOptions struct {
	Binary     string
	Model      string
	Effort     string
	AccessMode string // root Mode: enginehost.ModePlan / enginehost.ModeCode
	HITLOff    bool   // root CollaborationPolicy: human-in-the-loop disabled

	Sandbox        Sandbox // backend-specific override, used when AccessMode/HITLOff don't decide
	Profile        string
	OutputSchema   string
	Ephemeral      bool
	SkipGitCheck   bool
	AddDirs        []string
	InjectDevInstr bool // apply cliargs developer-instructions override

	ResumeThreadID string
}

// SpawnArgs builds argv for a first turn: "codex exec --json ... -- <prompt>".
func SpawnArgs(opts BuildOptions, prompt string) (string, []string) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return binary, buildExecCommand(opts, prompt)
}

// ResumeArgs builds argv to continue an existing thread:
// "codex exec resume --json ... -- <thread_id> [prompt]". Sandbox policy is
// not supported on resume by the Codex CLI, so any Sandbox override is
// silently dropped on this path.
func ResumeArgs(opts BuildOptions, prompt string) (string, []string, error) {
	if opts.ResumeThreadID == "" {
		return "", nil, errors.New("codex: missing resume thread id")
	}
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return binary, buildResumeCommand(opts, prompt), nil
}

func buildExecCommand(opts BuildOptions, prompt string) []string {
	args := []string{subcmdExec, flagJSON}
	args = appendCommonArgs(args, opts)
	args = appendExecOnlyArgs(args, opts)
	args = appendExecPolicy(args, opts)
	if opts.InjectDevInstr {
		args = cliargs.InjectIfAbsent(args)
	}
	args = append(args, "--", prompt)
	return args
}

func buildResumeCommand(opts BuildOptions, prompt string) []string {
	args := []string{subcmdExec, subcmdResume, flagJSON}
	args = appendCommonArgs(args, opts)
	if resolveResumeFullAuto(opts) {
		args = append(args, "--full-auto")
	}
	if opts.InjectDevInstr {
		args = cliargs.InjectIfAbsent(args)
	}
	args = append(args, "--", opts.ResumeThreadID)
	if prompt != "" && !jsonutil.ContainsNull(prompt) {
		args = append(args, prompt)
	}
	return args
}

// appendCommonArgs appends flags valid on both exec and exec resume.
func appendCommonArgs(args []string, opts BuildOptions) []string {
	if cliargs.SafeFlagValue(opts.Model) {
		args = append(args, "-m", opts.Model)
	}
	if opts.Ephemeral {
		args = append(args, "--ephemeral")
	}
	if opts.SkipGitCheck {
		args = append(args, "--skip-git-repo-check")
	}
	if effort, ok := codexEffort[opts.Effort]; ok {
		args = append(args, "-c", "model_reasoning_effort="+effort)
	}
	for _, dir := range opts.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	return args
}

// appendExecOnlyArgs appends flags that only apply to the first turn; the
// Codex CLI rejects them on "exec resume".
func appendExecOnlyArgs(args []string, opts BuildOptions) []string {
	if cliargs.SafeFlagValue(opts.Profile) {
		args = append(args, "-p", opts.Profile)
	}
	if opts.OutputSchema != "" {
		args = append(args, "--output-schema", opts.OutputSchema)
	}
	return args
}

// appendExecPolicy resolves sandbox/full-auto for the first turn, honoring
// root Mode/HITL precedence over the backend-specific Sandbox option: plan
// mode forces a read-only sandbox with no full auto, HITL-off forces full
// auto, and otherwise the caller's Sandbox choice (if any) is used verbatim.
func appendExecPolicy(args []string, opts BuildOptions) []string {
	switch {
	case enginehost.CollaborationMode(opts.AccessMode) == enginehost.ModePlan:
		return append(args, "--sandbox", string(SandboxReadOnly))
	case opts.HITLOff:
		args = append(args, "--full-auto")
		if opts.Sandbox != "" {
			args = append(args, "--sandbox", string(opts.Sandbox))
		}
		return args
	case opts.Sandbox != "":
		return append(args, "--sandbox", string(opts.Sandbox))
	default:
		return args
	}
}

// resolveResumeFullAuto applies the same root-option precedence as
// appendExecPolicy, but for the resume path, where --sandbox is unavailable:
// plan mode always suppresses --full-auto regardless of HITL.
func resolveResumeFullAuto(opts BuildOptions) bool {
	if enginehost.CollaborationMode(opts.AccessMode) == enginehost.ModePlan {
		return false
	}
	return opts.HITLOff
}

// ValidateSandbox reports an error if sandbox is set but not one of the
// three values the Codex CLI accepts.
func ValidateSandbox(sandbox Sandbox) error {
	switch sandbox {
	case "", SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess:
		return nil
	default:
		return fmt.Errorf("codex: invalid sandbox %q", sandbox)
	}
}
