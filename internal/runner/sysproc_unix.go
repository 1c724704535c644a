//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// newSysProcAttr returns SysProcAttr that creates a new session, detaching
// the child from the controlling TTY and giving it its own process group.
func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// terminate sends SIGTERM to the child's process group so the whole tree
// (cmake spawning ninja spawning compilers) gets the signal.
func terminate(proc *exec.Cmd) error {
	if proc.Process == nil {
		return nil
	}
	return syscall.Kill(-proc.Process.Pid, syscall.SIGTERM)
}
