package worker

import (
	"context"
	"io"
	"log/slog"

	"genjobs/internal/cancel"
	"genjobs/internal/estimator"
	"genjobs/internal/events"
	"genjobs/internal/fonts"
	"genjobs/internal/pipeline"
	"genjobs/internal/steps"
)

// Runner executes one job plan.
//
// The worker owns no shared state: step estimates come from the snapshot in
// the job Spec, and everything it learns is reported back through a
// pipeline.Reporter. In a child process that reporter is an events.Emitter
// on stdout, which the supervisor replays into the registry.
type Runner struct {
	spec     *Spec
	executor *pipeline.Executor
}

// NewRunner creates a runner for spec. Output of external step commands is
// written to stderr.
func NewRunner(spec *Spec, stderr io.Writer) *Runner {
	set := steps.Set(spec.Commands, spec.Plan.TestMode, steps.Dummy{Delay: spec.DummyDelay}, stderr)
	return &Runner{
		spec: spec,
		executor: pipeline.NewExecutor(
			set,
			estimator.FromSnapshot(spec.Stats),
			fonts.NewResolver(spec.FontsDir, spec.DefaultFont),
		),
	}
}

// Run executes the plan until it completes, fails or observes c.
func (r *Runner) Run(ctx context.Context, c pipeline.Canceller, rep pipeline.Reporter) pipeline.Outcome {
	return r.executor.Run(ctx, r.spec.Plan, c, rep)
}

// Main is the entry point of a worker child process. It loads the Spec file at
// specPath, raises the cancellation flag on SIGUSR1 or SIGTERM, and writes
// the event stream to stdout. It returns an error only if the job could not
// be started at all; job failures are reported in the stream.
func Main(ctx context.Context, specPath string, stdout, stderr io.Writer) error {
	spec, err := LoadSpec(specPath)
	if err != nil {
		return err
	}

	logger := slog.With("jobId", spec.Plan.JobID)
	logger.Info("Worker starting", "startStep", spec.Plan.StartStep, "testMode", spec.Plan.TestMode)

	flag := &cancel.Flag{}
	stop := notifyCancel(flag, logger)
	defer stop()

	outcome := NewRunner(spec, stderr).Run(ctx, flag, events.NewEmitter(stdout, spec.Plan.JobID))
	logger.Info("Worker finished", "state", outcome.State)
	return nil
}
