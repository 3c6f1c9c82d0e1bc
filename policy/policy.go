// Package policy resolves the collaboration mode ("plan" or "code") for a
// turn from a request payload and a thread's persisted mode, and merges
// the resolved policy into the outgoing engine request.
//
// Resolve is a pure function: given the same inputs it always produces the
// same CollaborationPolicy, with no I/O and no dependency on wall-clock
// time. All state (the persisted mode) is read and passed in by the
// caller; see package threadstore.
package policy

import (
	"fmt"
	"strings"

	"github.com/lattice-run/enginehost"
)

// Resolve computes the effective CollaborationPolicy for one turn.
//
//  1. selectedMode is extracted from payload: either a bare string or a
//     map with a "mode" or "id" field, lowercased and trimmed; empty
//     becomes absent.
//  2. It is normalized to "plan"/"code"; anything else is rejected.
//  3. The effective mode is decided by cases: an explicit valid selection
//     wins; otherwise the persisted mode is used if present (the fallback
//     reason records whether the selection was missing or invalid);
//     otherwise the mode defaults to "plan" (fallback reason
//     "default_plan").
//  4. request_user_input_policy is "block" iff effective is "code".
//  5. A fixed directive string is emitted for the effective mode.
func Resolve(payload any, persistedMode string) enginehost.CollaborationPolicy {
	selected, present := extractSelectedMode(payload)
	valid := isValidMode(selected)

	var effective enginehost.CollaborationMode
	var fallbackReason string

	switch {
	case present && valid:
		effective = enginehost.CollaborationMode(selected)
	case persistedMode != "" && isValidMode(persistedMode):
		effective = enginehost.CollaborationMode(persistedMode)
		if present {
			fallbackReason = enginehost.FallbackInvalidModeUsingThreadState
		} else {
			fallbackReason = enginehost.FallbackMissingModeUsingThreadState
		}
	default:
		effective = enginehost.ModePlan
		fallbackReason = enginehost.FallbackDefaultPlan
	}

	inputPolicy := enginehost.InputPolicyAllow
	if effective == enginehost.ModeCode {
		inputPolicy = enginehost.InputPolicyBlock
	}

	return enginehost.CollaborationPolicy{
		SelectedMode:           selected,
		EffectiveMode:          effective,
		FallbackReason:         fallbackReason,
		PolicyVersion:          enginehost.PolicyVersion,
		RequestUserInputPolicy: inputPolicy,
		Directives:             []string{directiveFor(effective)},
	}
}

func directiveFor(mode enginehost.CollaborationMode) string {
	return fmt.Sprintf("Collaboration mode: %s", mode)
}

func isValidMode(s string) bool {
	return s == string(enginehost.ModePlan) || s == string(enginehost.ModeCode)
}

// extractSelectedMode reads the raw mode token out of payload. present is
// false when payload carries no usable field or only an empty (or
// non-string) value, and true for any non-empty token, valid or not,
// matching the "missing" vs "invalid" fallback reasons.
func extractSelectedMode(payload any) (mode string, present bool) {
	switch v := payload.(type) {
	case nil:
		return "", false
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s, s != ""
	case map[string]any:
		raw, ok := v["mode"]
		if !ok {
			raw, ok = v["id"]
		}
		if !ok {
			return "", false
		}
		s, _ := raw.(string)
		s = strings.ToLower(strings.TrimSpace(s))
		return s, s != ""
	default:
		return "", false
	}
}

// ApplyToRequest merges policy into payload (a mutable copy of the
// outgoing request object, or a fresh map if payload is nil) per §4.7:
// directives are appended to settings.developer_instructions (deduplicated
// by exact substring), runtime metadata is attached under
// settings._runtime, and mode/version/fallback fields are mirrored at the
// top level for consumers that don't walk into settings.
func ApplyToRequest(payload map[string]any, p enginehost.CollaborationPolicy) map[string]any {
	out := make(map[string]any, len(payload)+6)
	for k, v := range payload {
		out[k] = v
	}

	settings, _ := out["settings"].(map[string]any)
	if settings == nil {
		settings = make(map[string]any)
	} else {
		cloned := make(map[string]any, len(settings))
		for k, v := range settings {
			cloned[k] = v
		}
		settings = cloned
	}

	existing, _ := settings["developer_instructions"].(string)
	settings["developer_instructions"] = mergeInstructions(existing, p.Directives)

	settings["_runtime"] = map[string]any{
		"selected_mode":             p.SelectedMode,
		"effective_mode":            string(p.EffectiveMode),
		"policy_version":            p.PolicyVersion,
		"fallback_reason":           p.FallbackReason,
		"request_user_input_policy": string(p.RequestUserInputPolicy),
	}
	out["settings"] = settings

	out["mode"] = p.SelectedMode
	out["selectedMode"] = p.SelectedMode
	out["effectiveMode"] = string(p.EffectiveMode)
	out["policyVersion"] = p.PolicyVersion
	out["fallbackReason"] = p.FallbackReason

	return out
}

// mergeInstructions appends each directive to existing unless it is
// already present as an exact substring, joining with a single space.
func mergeInstructions(existing string, directives []string) string {
	result := existing
	for _, d := range directives {
		if d == "" || strings.Contains(result, d) {
			continue
		}
		if result == "" {
			result = d
			continue
		}
		result = result + " " + d
	}
	return result
}
