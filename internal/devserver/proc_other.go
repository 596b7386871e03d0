//go:build !unix

package devserver

import (
	"os/exec"
)

// Inherited descriptors beyond stdio are not available here; readiness is
// detected from stdout only.
const readyFDSupported = false

func setProcessGroup(*exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
