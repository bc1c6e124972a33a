package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"genjobs/internal/worker"
)

// InlineLauncher runs workers as goroutines in the current process. It
// provides no isolation and is meant for tests and development.
type InlineLauncher struct {
	// Stderr receives output of external step commands. Nil discards it.
	Stderr io.Writer
}

func (InlineLauncher) Name() string { return "inline" }

func (InlineLauncher) Ready(context.Context) error { return nil }

func (l InlineLauncher) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	stderr := l.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &inlineHandle{cancel: cancel, done: make(chan struct{})}
	runner := worker.NewRunner(req.Spec, stderr)

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Inline worker panicked", "jobId", req.JobID, "panic", r, "stack", string(debug.Stack()))
				h.err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		runner.Run(ctx, req.Flag, req.Reporter)
	}()
	return h, nil
}

type inlineHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *inlineHandle) PID() int { return 0 }

// Interrupt is a no-op: the worker shares the cancellation flag the
// supervisor has already raised.
func (h *inlineHandle) Interrupt(context.Context) error { return nil }

func (h *inlineHandle) Kill(context.Context) error {
	h.cancel()
	return nil
}

func (h *inlineHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *inlineHandle) Close(context.Context) error {
	h.cancel()
	return nil
}
