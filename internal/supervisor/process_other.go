//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func interruptProcess(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killProcessGroup(p *os.Process) error {
	return p.Kill()
}
