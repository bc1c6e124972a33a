// Package events defines the CloudEvents exchanged with workers and sent to
// job callbacks.
package events

import (
	"fmt"
	"slices"
	"sync/atomic"

	"genjobs/pkg/cloudevent"
)

// Source is the CloudEvents source attribute for every event genjobs produces.
const Source = "genjobs"

// Worker stream event types.
const (
	TypeProgress = "genjobs.worker.progress"
	TypeStep     = "genjobs.worker.step"
	TypeFinished = "genjobs.worker.finished"
)

// Callback event types.
const (
	TypeJobStep     = "genjobs.job.step"
	TypeJobFinished = "genjobs.job.finished"
)

// Wanted returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func Wanted(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// ProgressData is the payload of TypeProgress.
type ProgressData struct {
	Step           string  `json:"step"`
	SubStep        string  `json:"sub_step,omitempty"`
	Percent        int     `json:"percent"`
	ETASeconds     float64 `json:"eta_seconds"`
	StepETASeconds float64 `json:"step_eta_seconds"`
	Message        string  `json:"message,omitempty"`
}

// StepData is the payload of TypeStep and TypeJobStep.
type StepData struct {
	JobID           string  `json:"job_id,omitempty"`
	Step            string  `json:"step"`
	Output          string  `json:"output"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// FinishedData is the payload of TypeFinished and TypeJobFinished.
type FinishedData struct {
	JobID     string             `json:"job_id,omitempty"`
	State     string             `json:"state"`
	Result    string             `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Message   string             `json:"message,omitempty"`
	Outputs   map[string]string  `json:"outputs,omitempty"`
	Durations map[string]float64 `json:"durations,omitempty"`
}

// Builder stamps events for one job with unique ids.
type Builder struct {
	subject string
	seq     atomic.Uint64
}

// NewBuilder creates a builder for the given job.
func NewBuilder(jobID string) *Builder {
	return &Builder{subject: jobID}
}

// Build creates a new CloudEvent with the given type and data.
func (b *Builder) Build(eventType string, data any) (*cloudevent.CloudEvent, error) {
	id := fmt.Sprintf("%s-%d", b.subject, b.seq.Add(1))
	return cloudevent.New(eventType, Source, b.subject, id, data)
}
