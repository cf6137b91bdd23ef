//go:build !linux

package sandbox

import (
	"errors"
	"os/exec"
)

const setupExitCode = 125

const isolationScript = ""

var isolationTools []string

func isolationSupported() error {
	return errors.New("namespace isolation needs linux")
}

func isolateCmd(cmd *exec.Cmd) {}
