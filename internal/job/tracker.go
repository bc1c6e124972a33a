package job

import (
	"context"
	"log/slog"
	"time"

	"genjobs/internal/events"
	"genjobs/internal/notify"
	"genjobs/internal/pipeline"
)

// tracker applies worker reports to the registry. It is the
// pipeline.Reporter handed to the supervisor for each job.
type tracker struct {
	svc      *Service
	jobID    string
	testMode bool
	callback *Callback
	builder  *events.Builder
	logger   *slog.Logger
}

func (s *Service) newTracker(jobID string, req *Request) *tracker {
	return &tracker{
		svc:      s,
		jobID:    jobID,
		testMode: req.TestMode,
		callback: req.Callback,
		builder:  events.NewBuilder(jobID),
		logger:   slog.With("jobId", jobID),
	}
}

func (t *tracker) Progress(u pipeline.Update) {
	t.svc.registry.Progress(t.jobID, u)
}

func (t *tracker) StepCompleted(step, output string, elapsed time.Duration) {
	key, ok := t.svc.registry.AddStepOutput(t.jobID, step, output, elapsed)
	if !ok {
		return
	}

	// Test-mode timings say nothing about the real models.
	if !t.testMode {
		t.svc.estimator.Update(step, elapsed)
	}
	t.svc.metrics.RecordStepCompleted(context.Background(), step, elapsed.Seconds())
	t.logger.Info("Step completed", "step", key, "duration", elapsed)

	t.notify(events.TypeJobStep, events.StepData{
		JobID:           t.jobID,
		Step:            key,
		Output:          output,
		DurationSeconds: elapsed.Seconds(),
	})
}

func (t *tracker) Finished(o pipeline.Outcome) {
	rec, ok := t.svc.registry.Finish(t.jobID, o)
	t.svc.flags.Discard(t.jobID)
	if !ok {
		return
	}

	var duration float64
	if rec.StartedAt != nil && rec.FinishedAt != nil {
		duration = rec.FinishedAt.Sub(*rec.StartedAt).Seconds()
	}
	t.svc.metrics.RecordJobFinished(context.Background(), string(rec.State), duration)
	t.logger.Info("Job finished", "state", rec.State, "error", rec.ErrorMessage, "duration", duration)

	data := events.FinishedFromOutcome(t.jobID, o)
	data.State = string(rec.State)
	data.Error = rec.ErrorMessage
	data.Message = rec.Message
	t.notify(events.TypeJobFinished, data)
}

func (t *tracker) notify(eventType string, data any) {
	if t.callback == nil || t.svc.notifier == nil || !events.Wanted(eventType, t.callback.Events) {
		return
	}
	event, err := t.builder.Build(eventType, data)
	if err != nil {
		t.logger.Error("Failed to build callback event", "type", eventType, "error", err)
		return
	}
	// Ignore notify errors - the notifier logs drops internally
	_ = t.svc.notifier.Notify(&notify.Event{
		Payload:     event,
		Destination: t.callback.URL,
		SigningKey:  t.callback.Key,
	})
}
