package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"time"
)

// Executor runs plans against a set of step implementations.
type Executor struct {
	steps     StepSet
	estimates Estimates
	fonts     FontResolver
	now       func() time.Time
	logger    *slog.Logger
}

// NewExecutor creates an executor. fonts may be nil if no step needs one.
func NewExecutor(steps StepSet, estimates Estimates, fonts FontResolver) *Executor {
	return &Executor{
		steps:     steps,
		estimates: estimates,
		fonts:     fonts,
		now:       time.Now,
		logger:    slog.With("component", "executor"),
	}
}

// Run executes plan, reporting to rep, and returns the terminal outcome.
// Finished is always called exactly once before Run returns.
func (e *Executor) Run(ctx context.Context, plan Plan, c Canceller, rep Reporter) Outcome {
	logger := e.logger.With("jobId", plan.JobID)
	start, stop := plan.Window()
	planned := plan.PlannedSteps()

	outputs := make(map[string]string)
	durations := make(map[string]time.Duration)
	finish := func(o Outcome) Outcome {
		o.Outputs = outputs
		o.Durations = durations
		rep.Finished(o)
		logger.Info("Pipeline finished", "state", o.State, "error", o.Error)
		return o
	}

	for _, step := range plan.RequiredInputs() {
		ref := plan.Inputs[step]
		if ref == "" {
			return finish(Outcome{
				State: StateError,
				Error: fmt.Sprintf("start_step %d requires the output of step %d (%s)", start, StepNumber(step), step),
			})
		}
		outputs[step] = ref
	}

	logger.Info("Pipeline starting", "steps", planned)
	prog := newProgress(e.estimates, planned, rep)

	for i, step := range planned {
		if isCancelled(ctx, c) {
			return finish(stopped())
		}

		fn, ok := e.steps[step]
		if !ok {
			return finish(stepFailed(step, fmt.Errorf("no implementation registered")))
		}

		in := StepInput{
			JobID:    plan.JobID,
			Step:     step,
			Previous: maps.Clone(outputs),
			Params:   plan.Params,
			WorkDir:  plan.WorkDir,
		}
		if step == StepText {
			path, err := e.resolveFont(plan.FontName)
			if err != nil {
				return finish(stepFailed(step, fmt.Errorf("resolve font: %w", err)))
			}
			in.FontPath = path
		}
		in.Progress = func(current, total int) error {
			if isCancelled(ctx, c) {
				return ErrCancelled
			}
			prog.advance(i, current, total)
			return nil
		}

		prog.begin(i)
		logger.Info("Step started", "step", step)

		began := e.now()
		out, err := runStep(ctx, fn, in)
		elapsed := e.now().Sub(began)

		if err != nil {
			if errors.Is(err, ErrCancelled) || isCancelled(ctx, c) {
				return finish(stopped())
			}
			logger.Error("Step failed", "step", step, "error", err, "duration", elapsed)
			return finish(stepFailed(step, err))
		}
		if out == "" {
			return finish(stepFailed(step, errors.New("produced no artifact")))
		}

		outputs[step] = out
		durations[step] = elapsed
		rep.StepCompleted(step, out, elapsed)
		logger.Info("Step completed", "step", step, "duration", elapsed)
	}

	if isCancelled(ctx, c) {
		return finish(stopped())
	}

	message := "All steps completed successfully."
	if stop == 1 && plan.StopStep != 1 {
		message = "Background generation completed (no text content)."
	}
	return finish(Outcome{
		State:   StateCompleted,
		Result:  outputs[StepName(stop)],
		Message: message,
	})
}

func (e *Executor) resolveFont(name string) (string, error) {
	if e.fonts == nil {
		return "", errors.New("no font resolver configured")
	}
	return e.fonts.Resolve(name)
}

func runStep(ctx context.Context, fn StepFunc, in StepInput) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, in)
}

func isCancelled(ctx context.Context, c Canceller) bool {
	if ctx.Err() != nil {
		return true
	}
	return c != nil && c.Cancelled()
}

func stopped() Outcome {
	return Outcome{State: StateStopped, Message: "Job stopped by user."}
}

func stepFailed(step string, err error) Outcome {
	return Outcome{
		State: StateError,
		Error: fmt.Sprintf("step %d (%s) failed: %v", StepNumber(step), step, err),
	}
}

// progress converts step-local fractions into a job-wide percentage weighted
// by each step's share of the estimated total.
type progress struct {
	est     Estimates
	steps   []string
	weights []float64
	last    int
	rep     Reporter
}

func newProgress(est Estimates, steps []string, rep Reporter) *progress {
	p := &progress{est: est, steps: steps, weights: make([]float64, len(steps)), rep: rep}

	var total float64
	for _, s := range steps {
		total += est.Get(s)
	}
	for i, s := range steps {
		if total > 0 {
			p.weights[i] = est.Get(s) / total
		} else {
			p.weights[i] = 1 / float64(len(steps))
		}
	}
	return p
}

func (p *progress) begin(i int) {
	p.report(i, 0, "starting")
}

func (p *progress) advance(i, current, total int) {
	fraction := 0.0
	if total > 0 {
		fraction = math.Min(1, math.Max(0, float64(current)/float64(total)))
	}
	p.report(i, fraction, fmt.Sprintf("%s (%d/%d)", p.steps[i], current, total))
}

func (p *progress) report(i int, fraction float64, sub string) {
	var base float64
	for _, w := range p.weights[:i] {
		base += w
	}

	percent := int(math.Floor((base + p.weights[i]*fraction) * 100))
	percent = min(percent, 99)
	percent = max(percent, p.last)
	p.last = percent

	p.rep.Progress(Update{
		Step:           p.steps[i],
		SubStep:        sub,
		Percent:        percent,
		ETASeconds:     p.est.TotalETA(p.steps[i:], fraction),
		StepETASeconds: p.est.Get(p.steps[i]) * (1 - fraction),
		Message:        fmt.Sprintf("Running step %d (%s)", StepNumber(p.steps[i]), p.steps[i]),
	})
}
