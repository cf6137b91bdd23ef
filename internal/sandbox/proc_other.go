//go:build !unix

package sandbox

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func signalStatus(exitErr *exec.ExitError) (Status, string, bool) {
	return "", "", false
}
