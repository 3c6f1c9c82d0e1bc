package enginehost

// SendMessageParams carries a user's outgoing turn plus the per-turn
// options that vary by engine.
//
// Invariant: when ContinueSession is false, EngineManager MUST NOT forward
// any previously observed SessionID for this (workspace, engine) pair.
type SendMessageParams struct {
	Text             string   `json:"text"`
	Model            string   `json:"model,omitempty"`
	Effort           string   `json:"effort,omitempty"`
	AccessMode       string   `json:"access_mode,omitempty"`
	Images           []string `json:"images,omitempty"`
	ContinueSession  bool     `json:"continue_session"`
	SessionID        string   `json:"session_id,omitempty"`
	Agent            string   `json:"agent,omitempty"`
	Variant          string   `json:"variant,omitempty"`
	CollaborationMode string  `json:"collaboration_mode,omitempty"`
	CustomSpecRoot   string   `json:"custom_spec_root,omitempty"`
}
