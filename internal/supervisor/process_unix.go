//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProcess sends SIGUSR1 to the worker only; the worker relays
// cancellation to the commands it runs.
func interruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGUSR1)
}

// killProcessGroup kills the worker and every step command it spawned.
func killProcessGroup(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
