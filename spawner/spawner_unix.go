//go:build !windows

package spawner

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so a terminated
// engine session doesn't leave orphaned grandchildren behind.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// wrapInShell is a no-op on POSIX hosts: wrapper scripts are executed
// directly, the kernel resolves the shebang.
func wrapInShell(binary string, args []string) (string, []string) {
	return binary, args
}
