// Package supervisor owns the single worker slot: it launches isolated
// workers, delivers their events, stops them on request and reclaims their
// resources when they exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"genjobs/internal/apperrors"
	"genjobs/internal/cancel"
	"genjobs/internal/estimator"
	"genjobs/internal/observability"
	"genjobs/internal/pipeline"
	"genjobs/internal/worker"
)

// ErrSlotNotHeld is returned by Start when the job does not own the slot.
var ErrSlotNotHeld = errors.New("job does not hold the worker slot")

const cleanupTimeout = 30 * time.Second

// Config holds configuration for the supervisor.
type Config struct {
	// StopGracePeriod is the time between the cooperative signal and a
	// forced kill (default 3s).
	StopGracePeriod time.Duration
	FontsDir        string
	DefaultFont     string
	// Commands maps step names to external command lines.
	Commands   map[string]string
	DummyDelay time.Duration
	// Stats returns the estimate snapshot handed to each worker.
	Stats   func() map[string]estimator.StepStat
	Metrics *observability.Metrics
}

type workerState struct {
	jobID    string
	flag     *cancel.Flag
	reporter *trackedReporter
	logger   *slog.Logger
	done     chan struct{}

	mu sync.Mutex
	// handle is nil while the launcher is running.
	handle   Handle
	started  time.Time
	stopping bool
	watchdog *time.Timer
}

func (w *workerState) currentHandle() Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

// Supervisor runs at most one worker at a time.
type Supervisor struct {
	launcher Launcher
	config   Config
	logger   *slog.Logger

	// workers outlive the requests that start them
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	slot    string
	closed  bool
	workers map[string]*workerState
	wg      sync.WaitGroup
}

// New creates a supervisor that launches workers through launcher.
func New(launcher Launcher, cfg Config) *Supervisor {
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		launcher:   launcher,
		config:     cfg,
		logger:     slog.With("component", "supervisor", "launcher", launcher.Name()),
		baseCtx:    ctx,
		cancelBase: cancel,
		workers:    make(map[string]*workerState),
	}
}

// Reserve claims the slot for jobID. If another job holds it, Reserve
// returns that job's id and false.
func (s *Supervisor) Reserve(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.slot, false
	}
	if s.slot != "" {
		return s.slot, false
	}
	s.slot = jobID
	return jobID, true
}

// Release frees the slot if jobID holds it and no worker is running for it.
func (s *Supervisor) Release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[jobID]; running {
		return
	}
	if s.slot == jobID {
		s.slot = ""
	}
}

// Active returns the job holding the slot, or "".
func (s *Supervisor) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

// PID returns the worker process id of jobID, or 0.
func (s *Supervisor) PID(jobID string) int {
	s.mu.Lock()
	w, ok := s.workers[jobID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	h := w.currentHandle()
	if h == nil {
		return 0
	}
	return h.PID()
}

// Start launches the worker for a job that holds the slot. Every event the
// worker produces is delivered to rep, and rep.Finished is called exactly
// once before the slot is released. The supervisor lock is not held while
// the launcher runs, so a slow launch does not block Reserve or Stop.
func (s *Supervisor) Start(ctx context.Context, jobID string, plan pipeline.Plan, flag *cancel.Flag, rep pipeline.Reporter) error {
	logger := s.logger.With("jobId", jobID)

	workDir, err := filepath.Abs(plan.WorkDir)
	if err != nil {
		return fmt.Errorf("resolve work dir: %w", err)
	}
	plan.WorkDir = workDir

	w := &workerState{
		jobID:    jobID,
		flag:     flag,
		reporter: &trackedReporter{next: rep},
		logger:   logger,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return errors.New("supervisor is shut down")
	case s.slot != jobID:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotNotHeld, jobID)
	}
	if _, exists := s.workers[jobID]; exists {
		s.mu.Unlock()
		return apperrors.Conflict("worker", jobID, "worker already started")
	}
	s.workers[jobID] = w
	s.wg.Add(1)
	s.mu.Unlock()

	handle, err := s.launch(jobID, plan, w)
	if err != nil {
		s.mu.Lock()
		delete(s.workers, jobID)
		s.mu.Unlock()
		close(w.done)
		s.wg.Done()
		logger.Error("Failed to launch worker", "error", err)
		return fmt.Errorf("failed to launch worker: %w", err)
	}

	w.mu.Lock()
	w.handle = handle
	w.started = time.Now()
	stopRequested := w.stopping
	w.mu.Unlock()

	s.config.Metrics.RecordWorkerLaunched(ctx, s.launcher.Name())
	logger.Info("Worker launched", "pid", handle.PID())

	go s.monitor(w)
	if stopRequested {
		s.interrupt(ctx, w, handle)
	}
	return nil
}

func (s *Supervisor) launch(jobID string, plan pipeline.Plan, w *workerState) (Handle, error) {
	spec := &worker.Spec{
		Plan:        plan,
		FontsDir:    s.config.FontsDir,
		DefaultFont: s.config.DefaultFont,
		Commands:    s.config.Commands,
		DummyDelay:  s.config.DummyDelay,
	}
	if s.config.Stats != nil {
		spec.Stats = s.config.Stats()
	}
	specPath := filepath.Join(plan.WorkDir, worker.SpecFile)
	if err := worker.WriteSpec(specPath, spec); err != nil {
		return nil, err
	}

	return s.launcher.Launch(s.baseCtx, LaunchRequest{
		JobID:    jobID,
		Spec:     spec,
		SpecPath: specPath,
		WorkDir:  plan.WorkDir,
		Flag:     w.flag,
		Reporter: w.reporter,
	})
}

// monitor waits for the worker to exit, finalizes the job if the worker
// did not, and then reclaims the slot.
func (s *Supervisor) monitor(w *workerState) {
	defer s.wg.Done()
	defer close(w.done)

	err := w.currentHandle().Wait()

	w.mu.Lock()
	if w.watchdog != nil {
		w.watchdog.Stop()
	}
	started := w.started
	w.mu.Unlock()

	var outcome pipeline.Outcome
	switch {
	case w.flag.Cancelled():
		outcome = pipeline.Outcome{State: pipeline.StateStopped, Message: "Job stopped by user."}
	case err != nil:
		outcome = pipeline.Outcome{State: pipeline.StateError, Error: fmt.Sprintf("worker exited unexpectedly: %v", err)}
	default:
		outcome = pipeline.Outcome{State: pipeline.StateError, Error: "worker exited without reporting a result"}
	}
	if w.reporter.finishIfSilent(outcome) {
		w.logger.Warn("Worker exited without a result", "state", outcome.State, "error", err)
	} else {
		w.logger.Info("Worker exited", "duration", time.Since(started))
	}

	s.GC(w.jobID)
}

// Stop raises the job's cancellation flag, signals the worker, and kills it
// if it has not exited after the grace period. Stop does not wait for the
// worker to exit. A worker that is still launching is signalled as soon as
// its launch completes. Stopping a job without a live worker is a no-op.
func (s *Supervisor) Stop(ctx context.Context, jobID string) error {
	s.mu.Lock()
	w, ok := s.workers[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	w.flag.Set()

	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return nil
	}
	w.stopping = true
	h := w.handle
	w.mu.Unlock()

	if h == nil {
		w.logger.Info("Stop requested while worker is launching")
		return nil
	}
	s.interrupt(ctx, w, h)
	return nil
}

// interrupt sends the cooperative stop signal and arms the kill watchdog.
func (s *Supervisor) interrupt(ctx context.Context, w *workerState, h Handle) {
	w.mu.Lock()
	w.watchdog = time.AfterFunc(s.config.StopGracePeriod, func() {
		s.kill(w, "grace period expired")
	})
	w.mu.Unlock()

	w.logger.Info("Stopping worker", "grace", s.config.StopGracePeriod)
	if err := h.Interrupt(ctx); err != nil {
		w.logger.Warn("Failed to signal worker, killing", "error", err)
		s.kill(w, "signal failed")
	}
}

func (s *Supervisor) kill(w *workerState, reason string) {
	select {
	case <-w.done:
		return
	default:
	}
	h := w.currentHandle()
	if h == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	w.logger.Warn("Killing worker", "reason", reason)
	if err := h.Kill(ctx); err != nil {
		w.logger.Error("Failed to kill worker", "error", err)
		return
	}
	s.config.Metrics.RecordWorkerKilled(ctx, s.launcher.Name())
}

// GC frees the slot held by jobID and releases the worker's OS resources.
// It is safe to call more than once.
func (s *Supervisor) GC(jobID string) {
	s.mu.Lock()
	w, ok := s.workers[jobID]
	delete(s.workers, jobID)
	if s.slot == jobID {
		s.slot = ""
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	h := w.currentHandle()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		w.logger.Warn("Failed to release worker resources", "error", err)
	}
}

// Ready reports whether the launcher can start workers.
func (s *Supervisor) Ready(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("supervisor is shut down")
	}
	return s.launcher.Ready(ctx)
}

// Shutdown stops accepting jobs, asks every live worker to stop, kills
// those still running after the grace period, and waits for their
// monitors until ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*workerState, 0, len(s.workers))
	for _, w := range s.workers {
		live = append(live, w)
	}
	s.mu.Unlock()

	for _, w := range live {
		if err := s.Stop(ctx, w.jobID); err != nil {
			w.logger.Warn("Failed to stop worker", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Supervisor shutdown complete", "stopped", len(live))
	case <-ctx.Done():
		for _, w := range live {
			s.kill(w, "shutdown deadline")
		}
		s.cancelBase()
		return ctx.Err()
	}
	s.cancelBase()
	return nil
}
