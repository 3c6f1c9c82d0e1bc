package enginehost

import "time"

// EngineFeatures is a fixed bitset of capabilities an installed engine
// binary may support. Adapters set these once, at detection time; callers
// gate UI affordances on them rather than on engine type directly.
type EngineFeatures uint16

const (
	FeatureReasoningEffort EngineFeatures = 1 << iota
	FeatureCollaborationMode
	FeatureImageInput
	FeatureSessionResume
	FeatureToolsControl
	FeatureStreaming
	FeatureMCP
)

// Has reports whether all bits in want are set in f.
func (f EngineFeatures) Has(want EngineFeatures) bool {
	return f&want == want
}

// ModelInfo describes one model an engine exposes.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	ContextSize int    `json:"context_size,omitempty"`
}

// EngineStatus is the cached result of probing one engine's installation.
type EngineStatus struct {
	EngineType   EngineType     `json:"engine_type"`
	Installed    bool           `json:"installed"`
	Version      string         `json:"version,omitempty"`
	BinPath      string         `json:"bin_path,omitempty"`
	HomeDir      string         `json:"home_dir,omitempty"`
	Models       []ModelInfo    `json:"models,omitempty"`
	DefaultModel string         `json:"default_model,omitempty"`
	Features     EngineFeatures `json:"features"`
	Error        string         `json:"error,omitempty"`

	// DetectedAt is when this status was produced. EngineManager sets it
	// but does not read it back.
	DetectedAt time.Time `json:"detected_at,omitempty"`

	// ProbeLatency is how long the detection probe took to resolve.
	ProbeLatency time.Duration `json:"probe_latency,omitempty"`
}
