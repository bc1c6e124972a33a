// Package pipeline runs the ordered generation steps of a single job.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// Step names, in execution order.
const (
	StepBackground = "background"
	StepText       = "text"
	StepComposite  = "composite"
)

var order = []string{StepBackground, StepText, StepComposite}

// Steps returns every step in execution order.
func Steps() []string {
	return slices.Clone(order)
}

// StepNumber returns the 1-based position of a step, or 0 if unknown.
func StepNumber(step string) int {
	return slices.Index(order, step) + 1
}

// StepName returns the step at 1-based position n, or "".
func StepName(n int) string {
	if n < 1 || n > len(order) {
		return ""
	}
	return order[n-1]
}

// ErrCancelled is returned by a progress callback once the job has been asked to stop.
// Steps should return it (or wrap it) unchanged.
var ErrCancelled = errors.New("pipeline cancelled")

// Terminal states reported in an Outcome.
const (
	StateCompleted = "completed"
	StateError     = "error"
	StateStopped   = "stopped"
)

// ProgressFunc receives fine-grained progress from inside a step.
// A non-nil return means the step must abandon its work.
type ProgressFunc func(current, total int) error

// StepInput is everything a step implementation receives.
type StepInput struct {
	JobID    string
	Step     string
	Previous map[string]string // outputs of earlier steps, by step name
	Params   map[string]any
	FontPath string // set for the text step
	WorkDir  string
	Progress ProgressFunc
}

// StepFunc runs one step and returns a reference to the artifact it produced.
type StepFunc func(ctx context.Context, in StepInput) (string, error)

// StepSet maps step names to implementations.
type StepSet map[string]StepFunc

// FontResolver maps a requested font name to a usable file path.
type FontResolver interface {
	Resolve(name string) (string, error)
}

// Estimates supplies historical step durations.
type Estimates interface {
	Get(step string) float64
	TotalETA(remaining []string, fraction float64) float64
}

// Canceller is polled between steps and from progress callbacks.
type Canceller interface {
	Cancelled() bool
}

// Plan describes what a single run should execute.
type Plan struct {
	JobID       string            `json:"job_id"`
	StartStep   int               `json:"start_step"`
	StopStep    int               `json:"stop_step,omitempty"`
	TextContent string            `json:"text_content,omitempty"`
	FontName    string            `json:"font_name,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	WorkDir     string            `json:"work_dir"`
	TestMode    bool              `json:"test_mode,omitempty"`
}

// Window returns the 1-based first and last step numbers to consider.
// Without text content the pipeline ends after the background step.
func (p Plan) Window() (start, stop int) {
	start, stop = p.StartStep, p.StopStep
	if start < 1 {
		start = 1
	}
	if stop < 1 || stop > len(order) {
		stop = len(order)
	}
	if strings.TrimSpace(p.TextContent) == "" && stop > 1 {
		stop = 1
	}
	return start, stop
}

// PlannedSteps returns the steps that will actually run.
func (p Plan) PlannedSteps() []string {
	start, stop := p.Window()
	if start > stop {
		return nil
	}
	return slices.Clone(order[start-1 : stop])
}

// RequiredInputs returns the steps whose outputs must be supplied because
// the run starts after them.
func (p Plan) RequiredInputs() []string {
	start, stop := p.Window()
	var required []string
	for n := 1; n < start && n <= stop; n++ {
		required = append(required, order[n-1])
	}
	return required
}

// Update is a progress report.
type Update struct {
	Step           string
	SubStep        string
	Percent        int
	ETASeconds     float64
	StepETASeconds float64
	Message        string
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State     string
	Result    string
	Error     string
	Message   string
	Outputs   map[string]string
	Durations map[string]time.Duration
}

// Reporter receives everything the executor learns while running.
type Reporter interface {
	Progress(u Update)
	StepCompleted(step, output string, elapsed time.Duration)
	Finished(o Outcome)
}
