package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"genjobs/internal/pipeline"
	"genjobs/pkg/cloudevent"
)

const maxLineBytes = 1 << 20

// Emitter writes executor reports as JSON lines. It implements pipeline.Reporter.
type Emitter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	builder *Builder
	logger  *slog.Logger
}

// NewEmitter creates an emitter writing to w.
func NewEmitter(w io.Writer, jobID string) *Emitter {
	return &Emitter{
		enc:     json.NewEncoder(w),
		builder: NewBuilder(jobID),
		logger:  slog.With("component", "emitter", "jobId", jobID),
	}
}

func (e *Emitter) emit(eventType string, data any) {
	event, err := e.builder.Build(eventType, data)
	if err != nil {
		e.logger.Error("Failed to build event", "type", eventType, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(event); err != nil {
		e.logger.Error("Failed to write event", "type", eventType, "error", err)
	}
}

func (e *Emitter) Progress(u pipeline.Update) {
	e.emit(TypeProgress, ProgressData{
		Step:           u.Step,
		SubStep:        u.SubStep,
		Percent:        u.Percent,
		ETASeconds:     u.ETASeconds,
		StepETASeconds: u.StepETASeconds,
		Message:        u.Message,
	})
}

func (e *Emitter) StepCompleted(step, output string, elapsed time.Duration) {
	e.emit(TypeStep, StepData{Step: step, Output: output, DurationSeconds: elapsed.Seconds()})
}

func (e *Emitter) Finished(o pipeline.Outcome) {
	e.emit(TypeFinished, FinishedFromOutcome("", o))
}

// FinishedFromOutcome converts an executor outcome into its wire form.
func FinishedFromOutcome(jobID string, o pipeline.Outcome) FinishedData {
	d := FinishedData{
		JobID:   jobID,
		State:   o.State,
		Result:  o.Result,
		Error:   o.Error,
		Message: o.Message,
		Outputs: maps.Clone(o.Outputs),
	}
	if len(o.Durations) > 0 {
		d.Durations = make(map[string]float64, len(o.Durations))
		for step, dur := range o.Durations {
			d.Durations[step] = dur.Seconds()
		}
	}
	return d
}

// Outcome converts the wire form back into an executor outcome.
func (d FinishedData) Outcome() pipeline.Outcome {
	o := pipeline.Outcome{
		State:   d.State,
		Result:  d.Result,
		Error:   d.Error,
		Message: d.Message,
		Outputs: maps.Clone(d.Outputs),
	}
	if len(d.Durations) > 0 {
		o.Durations = make(map[string]time.Duration, len(d.Durations))
		for step, secs := range d.Durations {
			o.Durations[step] = time.Duration(secs * float64(time.Second))
		}
	}
	return o
}

// Replay reads a worker event stream from r and forwards each event to rep
// until EOF. Lines that are not valid events are logged and skipped; unknown
// event types are ignored. If the stream cannot be read further, the rest of
// r is discarded before returning. It returns true if a finished event was
// seen.
func Replay(r io.Reader, rep pipeline.Reporter, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	finished := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := cloudevent.Parse(line)
		if err != nil {
			logger.Warn("Skipping malformed worker event", "error", err, "line", truncate(line, 200))
			continue
		}
		if err := dispatch(event, rep); err != nil {
			logger.Warn("Skipping undecodable worker event", "type", event.Type, "error", err)
			continue
		}
		if event.Type == TypeFinished {
			finished = true
		}
	}
	if err := scanner.Err(); err != nil {
		// Keep the writer from blocking on a full pipe.
		if _, drainErr := io.Copy(io.Discard, r); drainErr != nil {
			logger.Warn("Failed to drain worker event stream", "error", drainErr)
		}
		return finished, fmt.Errorf("read worker events: %w", err)
	}
	return finished, nil
}

func dispatch(event *cloudevent.CloudEvent, rep pipeline.Reporter) error {
	switch event.Type {
	case TypeProgress:
		var d ProgressData
		if err := event.DecodeData(&d); err != nil {
			return err
		}
		rep.Progress(pipeline.Update{
			Step:           d.Step,
			SubStep:        d.SubStep,
			Percent:        d.Percent,
			ETASeconds:     d.ETASeconds,
			StepETASeconds: d.StepETASeconds,
			Message:        d.Message,
		})
	case TypeStep:
		var d StepData
		if err := event.DecodeData(&d); err != nil {
			return err
		}
		rep.StepCompleted(d.Step, d.Output, time.Duration(d.DurationSeconds*float64(time.Second)))
	case TypeFinished:
		var d FinishedData
		if err := event.DecodeData(&d); err != nil {
			return err
		}
		rep.Finished(d.Outcome())
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
