package job

import (
	"time"

	"genjobs/internal/sysmetrics"
)

// State is the lifecycle state of a job.
type State string

// State constants. Completed, error and stopped are terminal.
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateStopped   State = "stopped"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateStopped
}

// Request is a generation request. Zero values are replaced by defaults
// before validation; pointer fields are defaulted only when absent, since
// zero is a meaningful value for them.
type Request struct {
	StartStep   int    `json:"start_step,omitempty"`
	StopStep    int    `json:"stop_step,omitempty"`
	TextContent string `json:"text_content,omitempty"`
	InputImage  string `json:"input_image,omitempty"`

	BgPrompt                    string `json:"bg_prompt,omitempty"`
	BgNegativePrompt            string `json:"bg_negative_prompt,omitempty"`
	BgCompositionPrompt         string `json:"bg_composition_prompt,omitempty"`
	BgCompositionNegativePrompt string `json:"bg_composition_negative_prompt,omitempty"`

	TextModelPrompt string `json:"text_model_prompt,omitempty"`
	NegativePrompt  string `json:"negative_prompt,omitempty"`
	FontName        string `json:"font_name,omitempty"`

	CompositionMode           string   `json:"composition_mode,omitempty"`
	TextPosition              string   `json:"text_position,omitempty"`
	CompositionPrompt         string   `json:"composition_prompt,omitempty"`
	CompositionNegativePrompt string   `json:"composition_negative_prompt,omitempty"`
	CompositionStrength       *float64 `json:"composition_strength,omitempty"`
	CompositionSteps          int      `json:"composition_steps,omitempty"`
	CompositionGuidanceScale  float64  `json:"composition_guidance_scale,omitempty"`

	Strength      *float64 `json:"strength,omitempty"`
	GuidanceScale float64  `json:"guidance_scale,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	TestMode      bool     `json:"test_mode,omitempty"`
	AutoUnload    *bool    `json:"auto_unload,omitempty"`

	// StepOutputs carries artifacts of already-completed steps, keyed by step name.
	StepOutputs map[string]string `json:"step_outputs,omitempty"`
	// Step1Image and Step2Image are aliases for the background and text outputs.
	Step1Image string `json:"step1_image,omitempty"`
	Step2Image string `json:"step2_image,omitempty"`

	Callback *Callback `json:"callback,omitempty"`
}

// Callback represents callback configuration for a job
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Record is the registry entry for one job.
type Record struct {
	ID              string             `json:"job_id"`
	State           State              `json:"status"`
	CurrentStep     string             `json:"current_step,omitempty"`
	SubStep         string             `json:"sub_step,omitempty"`
	ProgressPercent int                `json:"progress_percent"`
	ETASeconds      float64            `json:"eta_seconds"`
	StepETASeconds  float64            `json:"step_eta_seconds"`
	Message         string             `json:"message,omitempty"`
	Result          string             `json:"result,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	StepOutputs     map[string]string  `json:"step_outputs"`
	StepDurations   map[string]float64 `json:"step_durations_seconds,omitempty"`
	Parameters      *Request           `json:"parameters,omitempty"`
	TestMode        bool               `json:"test_mode"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`

	// etaAt is when ETASeconds was last computed.
	etaAt    time.Time
	callback *Callback
}

// Response is returned when a job is admitted.
type Response struct {
	JobID  string `json:"job_id"`
	Status State  `json:"status"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"` // "stopping" or the terminal state
}

// Status is the status-query view of a record with live fields filled in.
type Status struct {
	Record
	ElapsedSec    float64              `json:"elapsed_sec"`
	SystemMetrics *sysmetrics.Snapshot `json:"system_metrics,omitempty"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs           []Record `json:"jobs"`
	TotalCount     int      `json:"total_count"`
	ActiveCount    int      `json:"active_count"`
	CompletedCount int      `json:"completed_count"`
	FailedCount    int      `json:"failed_count"`
	StoppedCount   int      `json:"stopped_count"`
}

// ResetResponse reports what an admin reset removed.
type ResetResponse struct {
	Stopped int `json:"stopped"`
	Removed int `json:"removed"`
}
