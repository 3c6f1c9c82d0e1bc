package daemon

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/adapter/claude"
	"github.com/lattice-run/enginehost/adapter/codex"
	"github.com/lattice-run/enginehost/adapter/opencode"
	"github.com/lattice-run/enginehost/locator"
)

// BinaryConfig is the resolved per-engine binary override plus extra search
// roots, the caller-supplied half of a locator.Request.
type BinaryConfig struct {
	Override   string
	ExtraRoots []string
}

// Prober implements enginemanager.Prober: locate the engine's binary, then
// run --version, falling back to --help if that exits non-zero, matching
// detect_engines' probe policy.
type Prober struct {
	mu       sync.RWMutex
	binaries map[enginehost.EngineType]BinaryConfig
}

// NewProber returns a Prober with no binary overrides configured.
func NewProber() *Prober {
	return &Prober{binaries: make(map[enginehost.EngineType]BinaryConfig)}
}

// SetBinaryConfig records the override/extra-roots to use when locating
// engine's binary for every subsequent Probe and spawn.
func (p *Prober) SetBinaryConfig(engine enginehost.EngineType, cfg BinaryConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binaries[engine] = cfg
}

func (p *Prober) binaryConfig(engine enginehost.EngineType) BinaryConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.binaries[engine]
}

// Probe implements enginemanager.Prober.
func (p *Prober) Probe(ctx context.Context, engine enginehost.EngineType) enginehost.EngineStatus {
	start := time.Now()
	cfg := p.binaryConfig(engine)
	program := binaryName(engine)

	result := locator.Locate(locator.Request{
		Program:    program,
		Override:   cfg.Override,
		ExtraRoots: cfg.ExtraRoots,
	})

	status := enginehost.EngineStatus{EngineType: engine, BinPath: result.Path}
	if !result.Found() {
		status.Error = program + ": not found on PATH or any known install root"
		status.ProbeLatency = time.Since(start)
		return status
	}

	version, err := runProbe(ctx, result.Path, "--version")
	if err != nil {
		version, err = runProbe(ctx, result.Path, "--help")
	}
	status.ProbeLatency = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Installed = true
	status.Version = firstLine(version)
	status.Features = featuresFor(engine)
	return status
}

func runProbe(ctx context.Context, path, flag string) (string, error) {
	cmd := exec.CommandContext(ctx, path, flag)
	out, err := cmd.Output()
	return string(out), err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

func binaryName(engine enginehost.EngineType) string {
	switch engine {
	case enginehost.EngineClaude:
		return claude.DefaultBinary
	case enginehost.EngineCodex:
		return codex.DefaultBinary
	case enginehost.EngineOpencode:
		return opencode.DefaultBinary
	case enginehost.EngineGemini:
		return "gemini"
	default:
		return string(engine)
	}
}

func featuresFor(engine enginehost.EngineType) enginehost.EngineFeatures {
	switch engine {
	case enginehost.EngineClaude:
		return enginehost.FeatureCollaborationMode | enginehost.FeatureSessionResume |
			enginehost.FeatureStreaming | enginehost.FeatureImageInput
	case enginehost.EngineCodex:
		return enginehost.FeatureReasoningEffort | enginehost.FeatureCollaborationMode |
			enginehost.FeatureSessionResume
	case enginehost.EngineOpencode:
		return enginehost.FeatureSessionResume | enginehost.FeatureReasoningEffort
	default:
		return 0
	}
}
