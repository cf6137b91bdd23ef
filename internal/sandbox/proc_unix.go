//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes cancellation kill the whole guest process group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// signalStatus maps a guest killed by a signal to a status.
func signalStatus(exitErr *exec.ExitError) (Status, string, bool) {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", "", false
	}
	switch ws.Signal() {
	case syscall.SIGXCPU:
		return StatusTimeout, "cpu time limit exceeded", true
	case syscall.SIGKILL, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT:
		return StatusMemory, "killed by " + ws.Signal().String(), true
	}
	return StatusRuntimeError, "killed by " + ws.Signal().String(), true
}
