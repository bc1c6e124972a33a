package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"genjobs/internal/events"
)

// WorkerLogFile is the per-job file receiving worker stderr.
const WorkerLogFile = "worker.log"

// ProcessLauncher re-executes a binary as a child process in its own
// process group. The child writes its event stream to stdout; stderr is
// written to a rotated log in the job directory.
type ProcessLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede "--spec <path>". Defaults to ["worker"].
	Args []string
	// Env is appended to the inherited environment.
	Env           []string
	LogMaxSizeMB  int
	LogMaxBackups int
}

func (l *ProcessLauncher) Name() string { return "process" }

func (l *ProcessLauncher) executable() (string, error) {
	if l.Executable != "" {
		return l.Executable, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return exe, nil
}

// Ready checks that the worker binary exists.
func (l *ProcessLauncher) Ready(context.Context) error {
	exe, err := l.executable()
	if err != nil {
		return err
	}
	if _, err := os.Stat(exe); err != nil {
		return fmt.Errorf("worker executable: %w", err)
	}
	return nil
}

func (l *ProcessLauncher) Launch(_ context.Context, req LaunchRequest) (Handle, error) {
	exe, err := l.executable()
	if err != nil {
		return nil, err
	}

	args := l.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	args = append(slices.Clone(args), "--spec", req.SpecPath)

	logw := &lumberjack.Logger{
		Filename:   filepath.Join(req.WorkDir, WorkerLogFile),
		MaxSize:    l.LogMaxSizeMB,
		MaxBackups: l.LogMaxBackups,
	}

	// Not CommandContext: the supervisor decides when the worker dies.
	cmd := exec.Command(exe, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = logw
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logw.Close()
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		logw.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	logger := slog.With("component", "supervisor", "jobId", req.JobID, "pid", cmd.Process.Pid)
	h := &processHandle{cmd: cmd, log: logw, replayed: make(chan struct{})}
	go func() {
		defer close(h.replayed)
		if _, err := events.Replay(stdout, req.Reporter, logger); err != nil {
			logger.Warn("Worker event stream ended with error", "error", err)
		}
	}()
	return h, nil
}

type processHandle struct {
	cmd      *exec.Cmd
	log      *lumberjack.Logger
	replayed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (h *processHandle) PID() int { return h.cmd.Process.Pid }

func (h *processHandle) Interrupt(context.Context) error {
	return ignoreDone(interruptProcess(h.cmd.Process))
}

func (h *processHandle) Kill(context.Context) error {
	return ignoreDone(killProcessGroup(h.cmd.Process))
}

// Wait drains the event stream before reaping the process, as required by
// exec.Cmd.StdoutPipe.
func (h *processHandle) Wait() error {
	<-h.replayed
	return h.cmd.Wait()
}

func (h *processHandle) Close(context.Context) error {
	h.closeOnce.Do(func() {
		h.closeErr = h.log.Close()
	})
	return h.closeErr
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
