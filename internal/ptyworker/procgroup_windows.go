//go:build windows

package ptyworker

import (
	"os/exec"
	"time"
)

// setProcGroup is a no-op on Windows. exec.CommandContext already sends
// os.Kill on context cancellation, and Windows does not support Unix-style
// process groups. The WaitDelay gives child processes a grace period to drain.
func setProcGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 3 * time.Second
}

// killProcessGroup kills the direct child; Windows has no process-group
// equivalent to signal the whole tree.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
