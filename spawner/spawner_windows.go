//go:build windows

package spawner

import (
	"os/exec"
	"syscall"
)

// createNoWindow prevents the child from opening a visible console window.
// It can interfere with stdio pipe handling for some .cmd wrapper scripts;
// set ENGINEHOST_SHOW_CONSOLE=1 to disable it while debugging.
const createNoWindow = 0x08000000

func setProcAttr(cmd *exec.Cmd) {
	if !shouldHideConsole() {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNoWindow}
}

// wrapInShell routes wrapper scripts (.cmd/.bat) through cmd.exe /C, since
// exec.Command cannot execute them directly.
func wrapInShell(binary string, args []string) (string, []string) {
	shellArgs := append([]string{"/C", binary}, args...)
	return "cmd.exe", shellArgs
}
