// Package spawner starts engine CLI child processes with piped stdio,
// resolved environment, and platform-specific process-group/console
// handling.
package spawner

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	ps "github.com/mitchellh/go-ps"
)

// Request describes one child process to spawn.
type Request struct {
	// Binary is the resolved absolute executable path (see package
	// locator).
	Binary string

	// Args are the argv entries following Binary.
	Args []string

	// Dir is the child's working directory; must be an existing
	// directory.
	Dir string

	// Env is the full environment to pass to the child. Callers build
	// this by merging os.Environ() with an overridden PATH and any
	// engine-specific variables; nil is not a valid value here (use
	// MergeEnv).
	Env []string

	// WantStdin requests a stdin pipe (streaming backends); backends
	// that only accept one-shot argv input leave this false.
	WantStdin bool

	// Shell requests that the invocation be wrapped through the
	// system shell interpreter, required for wrapper scripts
	// (.cmd/.bat) on the console-less host OS.
	Shell bool
}

// Handle is a spawned child process with its piped stdio.
type Handle struct {
	Cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Spawn builds, configures, and starts an exec.Cmd per req. The child
// inherits req.Env directly (no merging here — see MergeEnv) and runs with
// req.Dir as its cwd. Console-hiding and process-group attributes are
// applied by platform-specific setProcAttr.
func Spawn(req Request) (*Handle, error) {
	binary, args := req.Binary, req.Args
	if req.Shell {
		binary, args = wrapInShell(req.Binary, req.Args)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if req.WantStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("spawner: stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawner: start %s: %w", req.Binary, err)
	}

	return &Handle{Cmd: cmd, Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

// MergeEnv overlays overrides onto base (typically os.Environ()), last
// write wins per KEY=VALUE entry, and returns the combined slice.
func MergeEnv(base []string, overrides map[string]string) []string {
	idx := make(map[string]int, len(base))
	out := make([]string, len(base))
	copy(out, base)
	for i, kv := range out {
		if k := splitKey(kv); k != "" {
			idx[k] = i
		}
	}
	for k, v := range overrides {
		entry := k + "=" + v
		if i, ok := idx[k]; ok {
			out[i] = entry
			continue
		}
		idx[k] = len(out)
		out = append(out, entry)
	}
	return out
}

func splitKey(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i]
		}
	}
	return ""
}

// HasRunningInstance reports whether a process whose executable is named
// exactly procName is already running. It matches on the name only, so it
// cannot tell which workspace or terminal a process belongs to; no package
// in this module calls it.
func HasRunningInstance(procName string) (bool, error) {
	procs, err := ps.Processes()
	if err != nil {
		return false, fmt.Errorf("spawner: list processes: %w", err)
	}
	for _, p := range procs {
		if p.Executable() == procName {
			return true, nil
		}
	}
	return false, nil
}

// showConsoleEnvVar, when set to "1" or "true", disables console-hiding on
// the console-less host OS — useful when debugging stdio pipe issues with
// .cmd wrapper scripts that behave differently under CREATE_NO_WINDOW.
const showConsoleEnvVar = "ENGINEHOST_SHOW_CONSOLE"

func shouldHideConsole() bool {
	v := os.Getenv(showConsoleEnvVar)
	return v != "1" && v != "true"
}
