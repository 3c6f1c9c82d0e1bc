// Package ptybroker manages interactive PTY-backed terminal sessions keyed
// by (workspace, terminal id): open, write, resize, close, all behind
// per-session locks, with an idempotent open and incremental UTF-8-safe
// output decoding.
package ptybroker

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/internal/utf8stream"
)

// minDimension is the floor cols/rows are clamped to; a PTY of size 0 or 1
// confuses most full-screen terminal apps.
const minDimension = 2

// Key identifies one PTY session.
type Key struct {
	Workspace  enginehost.WorkspaceID
	TerminalID string
}

type session struct {
	mu   sync.Mutex
	pty  *os.File
	cmd  *exec.Cmd
	done chan struct{}
}

// Broker owns every live PTY session in the process.
type Broker struct {
	mu       sync.Mutex
	sessions map[Key]*session

	sink enginehost.EventSink
}

// New returns an empty Broker delivering output through sink.
func New(sink enginehost.EventSink) *Broker {
	return &Broker{sessions: make(map[Key]*session), sink: sink}
}

// Open allocates a PTY and spawns an interactive shell for key, clamping
// cols/rows to minDimension. Open is idempotent: a concurrent second open
// for the same key returns the existing session, and any duplicate PTY
// started during the race is killed rather than leaked.
func (b *Broker) Open(key Key, cols, rows int) error {
	cols, rows = clamp(cols), clamp(rows)

	b.mu.Lock()
	if _, exists := b.sessions[key]; exists {
		b.mu.Unlock()
		return nil
	}
	// Reserve the slot before releasing the lock so a concurrent Open sees
	// it immediately; the reservation is replaced once spawn succeeds, or
	// removed if it fails.
	placeholder := &session{done: make(chan struct{})}
	b.sessions[key] = placeholder
	b.mu.Unlock()

	cmd := shellCommand()
	cmd.Env = append(os.Environ(), "LANG=en_US.UTF-8", "LC_ALL=en_US.UTF-8", "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		b.mu.Lock()
		if b.sessions[key] == placeholder {
			delete(b.sessions, key)
		}
		b.mu.Unlock()
		return fmt.Errorf("ptybroker: start pty: %w", err)
	}

	sess := &session{pty: ptmx, cmd: cmd, done: make(chan struct{})}

	b.mu.Lock()
	if existing, exists := b.sessions[key]; exists && existing != placeholder {
		// Another Open call won the race and already installed a real
		// session while we were spawning; kill our duplicate PTY.
		b.mu.Unlock()
		_ = ptmx.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil
	}
	b.sessions[key] = sess
	b.mu.Unlock()

	go b.readLoop(key, sess)
	return nil
}

// readLoop decodes PTY output incrementally and emits it through the sink
// until the PTY closes, preserving any UTF-8 continuation bytes split
// across reads.
func (b *Broker) readLoop(key Key, sess *session) {
	defer close(sess.done)
	var dec utf8stream.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := sess.pty.Read(buf)
		if n > 0 {
			if text := dec.Feed(buf[:n]); text != "" && b.sink != nil {
				b.sink.EmitTerminalOutput(enginehost.TerminalOutput{
					WorkspaceID: key.Workspace,
					TerminalID:  key.TerminalID,
					Data:        text,
				})
			}
		}
		if err != nil {
			b.mu.Lock()
			delete(b.sessions, key)
			b.mu.Unlock()
			return
		}
	}
}

// Write sends data to key's PTY. Fails explicitly if the session is absent.
func (b *Broker) Write(key Key, data string) error {
	sess, err := b.get(key)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, err = sess.pty.WriteString(data)
	return err
}

// Resize changes key's PTY dimensions, clamping to minDimension.
func (b *Broker) Resize(key Key, cols, rows int) error {
	sess, err := b.get(key)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return pty.Setsize(sess.pty, &pty.Winsize{Cols: uint16(clamp(cols)), Rows: uint16(clamp(rows))})
}

// Close terminates key's PTY and shell, removing the session. Fails
// explicitly if the session is absent.
func (b *Broker) Close(key Key) error {
	b.mu.Lock()
	sess, ok := b.sessions[key]
	if ok {
		delete(b.sessions, key)
	}
	b.mu.Unlock()
	if !ok {
		return enginehost.ErrPTYNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	_ = sess.pty.Close()
	if sess.cmd != nil && sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	return nil
}

func (b *Broker) get(key Key) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[key]
	if !ok {
		return nil, enginehost.ErrPTYNotFound
	}
	return sess, nil
}

func clamp(v int) int {
	if v < minDimension {
		return minDimension
	}
	return v
}

// shellCommand selects the interactive shell to spawn: the platform's
// SHELL env var, defaulting to a Bourne-compatible shell on POSIX hosts.
func shellCommand() *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd.exe")
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return exec.Command(shell, "-i")
}
