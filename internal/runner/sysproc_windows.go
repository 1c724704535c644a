//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// newSysProcAttr returns SysProcAttr for Windows (no session/TTY concept).
func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// terminate kills the child directly; Windows has no process-group signal.
func terminate(proc *exec.Cmd) error {
	if proc.Process == nil {
		return nil
	}
	return proc.Process.Kill()
}
