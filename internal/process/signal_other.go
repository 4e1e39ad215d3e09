//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// terminate kills the process, there is no portable graceful signal
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

// killGroup is a no-op, there are no process groups to signal.
func killGroup(*os.Process) error {
	return nil
}
