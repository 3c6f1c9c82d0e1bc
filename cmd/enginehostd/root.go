package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	logLevelFlag  string
	logDirFlag    string
	logPrettyFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "enginehostd",
	Short: "Host Claude, Codex, and OpenCode CLI sessions behind one control surface",
	Long: `enginehostd multiplexes local AI coding CLIs (claude, codex, opencode) as
child processes, one per workspace, and exposes a single HTTP/websocket
control surface for sending messages, streaming unified engine events, and
hosting PTY terminals.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logDirFlag, "log-dir", "", "Also write logs to this directory")
	rootCmd.PersistentFlags().BoolVar(&logPrettyFlag, "log-pretty", true, "Pretty-print logs to stderr")

	rootCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Bind host")
	rootCmd.Flags().IntVar(&servePort, "port", 8791, "Bind port")
	rootCmd.Flags().StringSliceVar(&serveCORSOrigins, "cors-origin", nil, "Allowed CORS origins (default *)")
	rootCmd.Flags().StringVar(&serveDefaultEngine, "default-engine", "claude", "Engine used when a workspace sets no default")

	rootCmd.Flags().StringVar(&claudeBinOverride, "claude-bin", "", "Override path to the claude binary")
	rootCmd.Flags().StringVar(&codexBinOverride, "codex-bin", "", "Override path to the codex binary")
	rootCmd.Flags().StringVar(&opencodeBinOverride, "opencode-bin", "", "Override path to the opencode binary")

	rootCmd.Flags().StringVar(&remoteAddr, "remote-addr", "", "Relay unsolicited events from this remote control plane into the local event hub")
	rootCmd.Flags().StringVar(&remoteToken, "remote-token", "", "Bearer token for --remote-addr")
}

// Execute runs the root command, exiting the process with status 1 on
// failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
