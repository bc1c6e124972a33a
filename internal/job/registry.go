package job

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"genjobs/internal/apperrors"
	"genjobs/internal/pipeline"
)

// Registry holds every known job record in memory. Records are returned as
// copies; all mutation goes through the registry methods, which enforce
// forward-only state transitions.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*Record
	maxJobs int
	now     func() time.Time
}

// NewRegistry creates a registry. When maxJobs > 0 the oldest terminal
// records are evicted to stay within the limit.
func NewRegistry(maxJobs int) *Registry {
	return &Registry{
		jobs:    make(map[string]*Record),
		maxJobs: maxJobs,
		now:     time.Now,
	}
}

// Create inserts a new queued record.
func (r *Registry) Create(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[rec.ID]; exists {
		return apperrors.Conflict("job", rec.ID, fmt.Sprintf("job %s already exists", rec.ID))
	}
	r.evictLocked()

	now := r.now()
	stored := rec.clone()
	stored.State = StateQueued
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.StepOutputs == nil {
		stored.StepOutputs = make(map[string]string)
	}
	r.jobs[rec.ID] = stored
	return nil
}

// evictLocked removes the oldest terminal records until there is room.
func (r *Registry) evictLocked() {
	if r.maxJobs <= 0 {
		return
	}
	for len(r.jobs) >= r.maxJobs {
		var oldest *Record
		for _, rec := range r.jobs {
			if !rec.State.Terminal() {
				continue
			}
			if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
				oldest = rec
			}
		}
		if oldest == nil {
			return
		}
		delete(r.jobs, oldest.ID)
	}
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns copies of all records, oldest first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, *rec.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// MarkRunning moves a queued record to running.
func (r *Registry) MarkRunning(id, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.State != StateQueued {
		return false
	}
	r.startLocked(rec)
	if message != "" {
		rec.Message = message
	}
	return true
}

func (r *Registry) startLocked(rec *Record) {
	r.touchLocked(rec)
	rec.State = StateRunning
	started := rec.UpdatedAt
	rec.StartedAt = &started
}

// Progress applies a progress report. Reports for terminal records are
// ignored and the percentage never decreases.
func (r *Registry) Progress(id string, u pipeline.Update) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.State.Terminal() {
		return false
	}
	if rec.State == StateQueued {
		r.startLocked(rec)
	}
	r.touchLocked(rec)

	rec.CurrentStep = u.Step
	rec.SubStep = u.SubStep
	rec.ProgressPercent = max(rec.ProgressPercent, min(u.Percent, 100))
	rec.ETASeconds = u.ETASeconds
	rec.StepETASeconds = u.StepETASeconds
	rec.etaAt = rec.UpdatedAt
	if u.Message != "" {
		rec.Message = u.Message
	}
	return true
}

// AddStepOutput records a finished step. Existing outputs are never
// overwritten; a repeated step name is stored under a numbered key.
func (r *Registry) AddStepOutput(id, step, output string, elapsed time.Duration) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.State.Terminal() {
		return "", false
	}
	r.touchLocked(rec)

	key := uniqueKey(rec.StepOutputs, step)
	rec.StepOutputs[key] = output
	if rec.StepDurations == nil {
		rec.StepDurations = make(map[string]float64)
	}
	rec.StepDurations[key] = elapsed.Seconds()
	return key, true
}

// Finish moves a live record to its terminal state and returns a copy of
// the result. It returns false if the record is unknown or already terminal.
func (r *Registry) Finish(id string, o pipeline.Outcome) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.State.Terminal() {
		return nil, false
	}
	r.touchLocked(rec)

	switch o.State {
	case pipeline.StateCompleted:
		rec.State = StateCompleted
		rec.Result = o.Result
		rec.ProgressPercent = 100
	case pipeline.StateStopped:
		rec.State = StateStopped
	default:
		rec.State = StateError
		rec.ErrorMessage = o.Error
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = "job failed without an error message"
		}
	}
	rec.Message = o.Message
	if rec.Message == "" {
		rec.Message = defaultMessage(rec.State)
	}
	rec.SubStep = ""
	rec.ETASeconds = 0
	rec.StepETASeconds = 0
	rec.etaAt = rec.UpdatedAt

	known := make(map[string]bool, len(rec.StepOutputs))
	for _, v := range rec.StepOutputs {
		known[v] = true
	}
	for _, step := range pipeline.Steps() {
		if out, ok := o.Outputs[step]; ok && out != "" && !known[out] {
			key := uniqueKey(rec.StepOutputs, step)
			rec.StepOutputs[key] = out
			if d, ok := o.Durations[step]; ok {
				if rec.StepDurations == nil {
					rec.StepDurations = make(map[string]float64)
				}
				rec.StepDurations[key] = d.Seconds()
			}
		}
	}

	finished := rec.UpdatedAt
	rec.FinishedAt = &finished
	return rec.clone(), true
}

// Delete removes a terminal record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	if !rec.State.Terminal() {
		return apperrors.Conflict("job", id, fmt.Sprintf("job %s is %s; stop it before deleting", id, rec.State))
	}
	delete(r.jobs, id)
	return nil
}

// Reset removes every record and returns how many were removed.
func (r *Registry) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.jobs)
	r.jobs = make(map[string]*Record)
	return n
}

// touchLocked advances UpdatedAt without ever moving it backwards.
func (r *Registry) touchLocked(rec *Record) {
	now := r.now()
	if now.Before(rec.UpdatedAt) {
		now = rec.UpdatedAt
	}
	rec.UpdatedAt = now
}

func (rec *Record) clone() *Record {
	c := *rec
	c.StepOutputs = maps.Clone(rec.StepOutputs)
	c.StepDurations = maps.Clone(rec.StepDurations)
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		c.StartedAt = &t
	}
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func uniqueKey(m map[string]string, key string) string {
	if _, taken := m[key]; !taken {
		return key
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s.%d", key, n)
		if _, taken := m[candidate]; !taken {
			return candidate
		}
	}
}

func defaultMessage(s State) string {
	switch s {
	case StateCompleted:
		return "Job completed."
	case StateStopped:
		return "Job stopped by user."
	default:
		return "Job failed."
	}
}
