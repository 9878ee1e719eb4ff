//go:build linux || darwin

package recorder

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the subprocess in its own process group
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessGroup kills a process and its children
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	// the process may have already exited
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
