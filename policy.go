package enginehost

// CollaborationMode is the closed pair of collaboration modes an engine
// turn can run under. Any other token is rejected by the resolver in
// package policy.
type CollaborationMode string

const (
	ModePlan CollaborationMode = "plan"
	ModeCode CollaborationMode = "code"
)

// RequestUserInputPolicy governs whether an engine may pause a turn to ask
// the user a clarifying question.
type RequestUserInputPolicy string

const (
	InputPolicyAllow RequestUserInputPolicy = "allow"
	InputPolicyBlock RequestUserInputPolicy = "block"
)

// PolicyVersion is stamped onto every resolved CollaborationPolicy so
// consumers can detect when the resolution rules themselves changed.
const PolicyVersion = 1

// Fallback reasons recorded on CollaborationPolicy.FallbackReason. These
// strings are part of the external contract (mirrored into
// settings._runtime) and must not be renamed casually.
const (
	FallbackMissingModeUsingThreadState  = "missing_mode_in_request_using_thread_state"
	FallbackInvalidModeUsingThreadState  = "invalid_mode_in_request_using_thread_state"
	FallbackDefaultPlan                  = "default_plan"
)

// CollaborationPolicy is the resolved outcome of PolicyResolver.Resolve.
//
// Invariant: RequestUserInputPolicy == InputPolicyBlock iff
// EffectiveMode == ModeCode.
type CollaborationPolicy struct {
	SelectedMode            string                  `json:"selected_mode,omitempty"`
	EffectiveMode           CollaborationMode       `json:"effective_mode"`
	FallbackReason          string                  `json:"fallback_reason,omitempty"`
	PolicyVersion           int                     `json:"policy_version"`
	RequestUserInputPolicy  RequestUserInputPolicy  `json:"request_user_input_policy"`
	Directives              []string                `json:"directives"`
}
