package supervisor

import (
	"context"
	"sync"
	"time"

	"genjobs/internal/cancel"
	"genjobs/internal/pipeline"
	"genjobs/internal/worker"
)

// LaunchRequest describes one worker to start.
type LaunchRequest struct {
	JobID    string
	Spec     *worker.Spec
	SpecPath string
	WorkDir  string
	Flag     *cancel.Flag
	Reporter pipeline.Reporter
}

// Launcher starts isolated workers.
type Launcher interface {
	Name() string
	// Launch starts a worker. Events it produces must reach req.Reporter
	// before the returned handle's Wait returns.
	Launch(ctx context.Context, req LaunchRequest) (Handle, error)
	// Ready reports whether new workers can be launched.
	Ready(ctx context.Context) error
}

// Handle controls a running worker.
type Handle interface {
	// PID returns the host process id of the worker, or 0 if it has none.
	PID() int
	// Interrupt asks the worker to stop at its next cancellation check.
	Interrupt(ctx context.Context) error
	// Kill terminates the worker immediately.
	Kill(ctx context.Context) error
	// Wait blocks until the worker has exited and its events are consumed.
	Wait() error
	// Close releases OS resources held for the worker. Safe to call twice.
	Close(ctx context.Context) error
}

// trackedReporter forwards to a reporter and remembers whether a terminal
// outcome has been delivered, so the monitor only synthesizes one when the
// worker died without reporting.
type trackedReporter struct {
	next pipeline.Reporter

	mu       sync.Mutex
	finished bool
}

func (r *trackedReporter) Progress(u pipeline.Update) {
	r.next.Progress(u)
}

func (r *trackedReporter) StepCompleted(step, output string, elapsed time.Duration) {
	r.next.StepCompleted(step, output, elapsed)
}

func (r *trackedReporter) Finished(o pipeline.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	r.next.Finished(o)
}

// finishIfSilent delivers o unless an outcome was already reported.
func (r *trackedReporter) finishIfSilent(o pipeline.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	r.next.Finished(o)
	return true
}
