// Package applog provides the structured logger used across the daemon:
// zerolog configured for either pretty console output (interactive use)
// or plain JSON (production), with per-(workspace, engine) child loggers
// so a single process's log stream can be filtered per session.
package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-run/enginehost"
)

// Level aliases zerolog's so callers need not import it directly.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config controls the root logger's construction.
type Config struct {
	Level Level
	// Output defaults to os.Stderr.
	Output io.Writer
	// Pretty enables zerolog's human-readable console writer; false
	// emits one JSON object per line, the shape expected when the
	// daemon runs under a process supervisor.
	Pretty bool
	// LogToFile additionally writes a timestamped copy to LogDir.
	LogToFile bool
	LogDir    string
}

// DefaultConfig mirrors production defaults: info level, JSON to stderr,
// no file copy.
func DefaultConfig() Config {
	return Config{
		Level:  InfoLevel,
		Output: os.Stderr,
		LogDir: os.TempDir(),
	}
}

var logFile *os.File

// New builds the root logger for cfg. Call Close when the process exits
// to flush and release any open log file.
func New(cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.LogDir == "" {
		cfg.LogDir = os.TempDir()
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	var console io.Writer = cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}
	writers = append(writers, console)

	if cfg.LogToFile {
		if logFile != nil {
			_ = logFile.Close()
		}
		name := fmt.Sprintf("enginehostd-%s.log", time.Now().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logFile = f
			writers = append(writers, f)
		}
	}

	var output io.Writer = writers[0]
	if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(output).Level(cfg.Level).With().Timestamp().Logger()
}

// Close releases the file opened by LogToFile, if any.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// ParseLevel parses a case-insensitive level name, defaulting to info
// for anything unrecognized.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// ForSession returns a child logger tagged with workspace and engine, so
// every line from one session's plumbing can be grepped or filtered
// independently of the rest of the daemon's log stream.
func ForSession(base zerolog.Logger, workspace enginehost.WorkspaceID, engine enginehost.EngineType) zerolog.Logger {
	return base.With().
		Str("workspace_id", string(workspace)).
		Str("engine", string(engine)).
		Logger()
}

// ForTerminal returns a child logger tagged with workspace and terminal
// id, for ptybroker's diagnostics.
func ForTerminal(base zerolog.Logger, workspace enginehost.WorkspaceID, terminalID string) zerolog.Logger {
	return base.With().
		Str("workspace_id", string(workspace)).
		Str("terminal_id", terminalID).
		Logger()
}
