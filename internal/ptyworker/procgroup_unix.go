//go:build !windows

package ptyworker

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup configures cmd to run in its own process group and sets up
// Cancel/WaitDelay so that context cancellation kills the entire group
// (including any children the worker's command itself spawns) rather than
// only the direct child.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.WaitDelay = 3 * time.Second
}

// killProcessGroup forcibly kills the entire process group rooted at cmd's
// child, used by Release once the graceful grace period has elapsed.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
