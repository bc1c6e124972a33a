package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"genjobs/internal/apperrors"
	"genjobs/internal/artifact"
	"genjobs/internal/cancel"
	"genjobs/internal/notify"
	"genjobs/internal/observability"
	"genjobs/internal/pipeline"
	"genjobs/internal/sysmetrics"
)

// Supervisor runs workers in the single execution slot.
type Supervisor interface {
	// Reserve claims the slot; on failure it returns the current holder.
	Reserve(jobID string) (string, bool)
	Release(jobID string)
	Start(ctx context.Context, jobID string, plan pipeline.Plan, flag *cancel.Flag, rep pipeline.Reporter) error
	Stop(ctx context.Context, jobID string) error
	PID(jobID string) int
}

// Estimator supplies and learns step durations.
type Estimator interface {
	TotalETA(remaining []string, fraction float64) float64
	Update(step string, observed time.Duration)
}

// Notifier delivers callback events.
type Notifier interface {
	Notify(event *notify.Event) error
}

// Dependencies are the collaborators of a Service. Sampler, Notifier and
// Metrics are optional.
type Dependencies struct {
	Registry   *Registry
	Flags      *cancel.Store
	Supervisor Supervisor
	Artifacts  *artifact.Store
	Estimator  Estimator
	Sampler    *sysmetrics.Sampler
	Notifier   Notifier
	Metrics    *observability.Metrics
}

// Service manages the job lifecycle: admission, status queries, stop
// requests and purges. All job state lives in the registry; the supervisor
// owns the execution slot.
type Service struct {
	registry   *Registry
	flags      *cancel.Store
	supervisor Supervisor
	artifacts  *artifact.Store
	estimator  Estimator
	sampler    *sysmetrics.Sampler
	notifier   Notifier
	metrics    *observability.Metrics

	now   func() time.Time
	newID func() string
}

// NewService creates a new job service.
func NewService(deps Dependencies) *Service {
	return &Service{
		registry:   deps.Registry,
		flags:      deps.Flags,
		supervisor: deps.Supervisor,
		artifacts:  deps.Artifacts,
		estimator:  deps.Estimator,
		sampler:    deps.Sampler,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Submit validates a request and, if the worker slot is free, starts the job.
// Note: This method applies defaults to the request before validation.
func (s *Service) Submit(ctx context.Context, req *Request) (*Response, error) {
	applyDefaults(req)
	if err := validate(req); err != nil {
		return nil, err
	}

	id := s.newID()
	if holder, ok := s.supervisor.Reserve(id); !ok {
		retryAfter := s.retryAfter(holder)
		s.metrics.RecordJobRejected(ctx)
		slog.Info("Job rejected, worker busy", "activeJob", holder, "retryAfter", retryAfter)
		return nil, apperrors.Busy(retryAfter)
	}

	logger := slog.With("jobId", id)

	workDir, err := s.artifacts.Prepare(id)
	if err != nil {
		s.supervisor.Release(id)
		return nil, apperrors.Internal("prepare job directory", err)
	}

	plan := req.plan(id, workDir)
	inputs, err := s.materialize(ctx, id, req, &plan)
	if err != nil {
		s.supervisor.Release(id)
		if rmErr := s.artifacts.Remove(id); rmErr != nil {
			logger.Warn("Failed to remove job directory", "error", rmErr)
		}
		return nil, err
	}
	plan.Inputs = inputs

	rec := &Record{
		ID:          id,
		Message:     "Job queued.",
		StepOutputs: inputs,
		Parameters:  req.sanitized(),
		TestMode:    req.TestMode,
		callback:    req.Callback,
	}
	// The flag exists before the record so that a stop racing with
	// admission is never lost.
	flag := s.flags.Create(id)
	if err := s.registry.Create(rec); err != nil {
		s.flags.Discard(id)
		s.supervisor.Release(id)
		return nil, err
	}

	tr := s.newTracker(id, req)
	if err := s.supervisor.Start(ctx, id, plan, flag, tr); err != nil {
		tr.Finished(pipeline.Outcome{
			State: pipeline.StateError,
			Error: fmt.Sprintf("failed to start worker: %v", err),
		})
		s.supervisor.Release(id)
		return nil, apperrors.Internal("start worker", err)
	}

	s.registry.MarkRunning(id, "Worker started.")
	s.metrics.RecordJobAdmitted(ctx, req.TestMode)
	logger.Info("Job admitted", "startStep", req.StartStep, "steps", plan.PlannedSteps(), "testMode", req.TestMode)

	return &Response{JobID: id, Status: StateQueued}, nil
}

// materialize copies supplied step outputs needed by the plan, and the
// optional input image, into the job directory.
func (s *Service) materialize(ctx context.Context, id string, req *Request, plan *pipeline.Plan) (map[string]string, error) {
	inputs := make(map[string]string)
	for _, step := range plan.RequiredInputs() {
		path, err := s.artifacts.Materialize(ctx, id, step, req.StepOutputs[step])
		if err != nil {
			return nil, apperrors.Validation("step_outputs."+step, fmt.Sprintf("failed to load %s output: %v", step, err))
		}
		inputs[step] = path
	}

	if req.InputImage != "" {
		path, err := s.artifacts.Materialize(ctx, id, "input", req.InputImage)
		if err != nil {
			return nil, apperrors.Validation("input_image", fmt.Sprintf("failed to load input_image: %v", err))
		}
		if plan.Params == nil {
			plan.Params = make(map[string]any)
		}
		plan.Params["input_image"] = path
	}
	return inputs, nil
}

// retryAfter estimates how many seconds remain on the active job. A holder
// that has already finished frees the slot momentarily, so the floor applies.
func (s *Service) retryAfter(activeID string) int {
	eta := s.estimator.TotalETA(pipeline.Steps(), 0)
	if rec, ok := s.registry.Get(activeID); ok {
		switch {
		case rec.State.Terminal():
			eta = 0
		case !rec.etaAt.IsZero():
			eta = rec.ETASeconds - s.now().Sub(rec.etaAt).Seconds()
		case rec.Parameters != nil:
			eta = s.estimator.TotalETA(rec.Parameters.plan("", "").PlannedSteps(), 0)
		}
	}
	return int(math.Ceil(max(1, eta)))
}

// Get returns the status of a job with live timing fields.
func (s *Service) Get(ctx context.Context, jobID string) (*Status, error) {
	rec, ok := s.registry.Get(jobID)
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}

	now := s.now()
	status := &Status{Record: *rec}

	start := rec.CreatedAt
	if rec.StartedAt != nil {
		start = *rec.StartedAt
	}
	end := now
	if rec.FinishedAt != nil {
		end = *rec.FinishedAt
	}
	status.ElapsedSec = round1(end.Sub(start).Seconds())

	if !rec.State.Terminal() && !rec.etaAt.IsZero() {
		since := now.Sub(rec.etaAt).Seconds()
		status.ETASeconds = round1(rec.ETASeconds - since)
		status.StepETASeconds = round1(rec.StepETASeconds - since)
	}

	if s.sampler != nil {
		pid := 0
		if rec.State == StateRunning {
			pid = s.supervisor.PID(jobID)
		}
		status.SystemMetrics = s.sampler.Sample(ctx, pid)
	}
	return status, nil
}

// Stop requests cancellation of a job. It does not wait for the worker to
// exit; the job reaches stopped once the worker observes the request or is
// killed after the grace period.
func (s *Service) Stop(ctx context.Context, jobID string) (*StopResponse, error) {
	logger := slog.With("jobId", jobID)

	rec, ok := s.registry.Get(jobID)
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	if rec.State.Terminal() {
		return &StopResponse{JobID: jobID, Status: string(rec.State)}, nil
	}

	s.flags.Set(jobID)
	if err := s.supervisor.Stop(ctx, jobID); err != nil {
		logger.Error("Job stop failed", "error", err)
		return nil, apperrors.Internal("stop job", err)
	}
	logger.Info("Job stop requested")
	return &StopResponse{JobID: jobID, Status: "stopping"}, nil
}

// List returns all jobs, oldest first, with per-state counts.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	jobs := s.registry.List()
	resp := &ListResponse{Jobs: jobs, TotalCount: len(jobs)}
	for _, rec := range jobs {
		switch rec.State {
		case StateQueued, StateRunning:
			resp.ActiveCount++
		case StateCompleted:
			resp.CompletedCount++
		case StateError:
			resp.FailedCount++
		case StateStopped:
			resp.StoppedCount++
		}
	}
	return resp, nil
}

// Delete purges a finished job and its files.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	if err := s.registry.Delete(jobID); err != nil {
		return err
	}
	if err := s.artifacts.Remove(jobID); err != nil {
		slog.Warn("Failed to remove job directory", "jobId", jobID, "error", err)
	}
	slog.Info("Job deleted", "jobId", jobID)
	return nil
}

// Reset stops every live job and clears the registry. Files are kept.
func (s *Service) Reset(ctx context.Context) (*ResetResponse, error) {
	resp := &ResetResponse{}
	var errs []error
	for _, rec := range s.registry.List() {
		if rec.State.Terminal() {
			continue
		}
		s.flags.Set(rec.ID)
		if err := s.supervisor.Stop(ctx, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", rec.ID, err))
			continue
		}
		resp.Stopped++
	}
	resp.Removed = s.registry.Reset()
	slog.Warn("Registry reset", "stopped", resp.Stopped, "removed", resp.Removed)

	if err := errors.Join(errs...); err != nil {
		return resp, apperrors.Internal("reset", err)
	}
	return resp, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
