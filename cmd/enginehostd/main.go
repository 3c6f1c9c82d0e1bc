// Command enginehostd hosts Claude, Codex, and OpenCode CLI sessions behind
// a single HTTP/websocket control surface: one child process per
// (workspace, engine) pair, unified event streaming, and PTY terminal
// hosting for interactive shells.
package main

func main() {
	Execute()
}
