// Package estimator keeps per-step duration statistics and turns them into ETAs.
package estimator

import (
	"errors"
	"io/fs"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Built-in step defaults in seconds, measured on the reference GPU.
var defaultDurations = map[string]float64{
	"background": 80,
	"text":       35,
	"composite":  5,
}

// UnknownStepSeconds is returned for steps with no default and no samples.
const UnknownStepSeconds = 10.0

// DefaultSmoothing is the weight given to the newest observation.
const DefaultSmoothing = 0.2

// StepStat is the persisted state for a single step.
type StepStat struct {
	AverageDurationSeconds float64 `json:"average_duration_seconds" yaml:"average_duration_seconds"`
	SampleCount            int     `json:"sample_count" yaml:"sample_count"`
}

// Store persists step statistics between runs.
type Store interface {
	Load() (map[string]StepStat, error)
	Save(stats map[string]StepStat) error
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithSmoothing sets the exponential weight of new observations.
// A value of 1 overwrites the average with the latest observation.
func WithSmoothing(alpha float64) Option {
	return func(e *Estimator) {
		if alpha > 0 && alpha <= 1 {
			e.alpha = alpha
		}
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// Estimator tracks average step durations. Safe for concurrent use.
type Estimator struct {
	mu     sync.RWMutex
	stats  map[string]StepStat
	store  Store
	alpha  float64
	logger *slog.Logger
}

// New creates an estimator seeded with the built-in defaults and then
// overlaid with whatever the store holds. A missing or unreadable store
// leaves the defaults in place.
func New(store Store, opts ...Option) *Estimator {
	e := &Estimator{
		stats:  Defaults(),
		store:  store,
		alpha:  DefaultSmoothing,
		logger: slog.With("component", "estimator"),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.alpha == 1 {
		e.logger.Warn("Step stats smoothing disabled (overwrite)")
	}

	if store == nil {
		return e
	}

	loaded, err := store.Load()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		e.logger.Info("No step stats found, using defaults")
	case err != nil:
		e.logger.Warn("Failed to load step stats, using defaults", "error", err)
	default:
		for step, st := range loaded {
			if st.AverageDurationSeconds > 0 {
				e.stats[step] = st
			}
		}
		e.logger.Info("Loaded step stats", "steps", len(loaded))
	}
	return e
}

// FromSnapshot builds a read-mostly estimator from previously exported stats.
// It never persists anything.
func FromSnapshot(stats map[string]StepStat) *Estimator {
	e := New(nil)
	for step, st := range stats {
		if st.AverageDurationSeconds > 0 {
			e.stats[step] = st
		}
	}
	return e
}

// Defaults returns a fresh copy of the built-in stats.
func Defaults() map[string]StepStat {
	stats := make(map[string]StepStat, len(defaultDurations))
	for step, d := range defaultDurations {
		stats[step] = StepStat{AverageDurationSeconds: d}
	}
	return stats
}

// Get returns the average duration of a step in seconds.
func (e *Estimator) Get(step string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if st, ok := e.stats[step]; ok && st.AverageDurationSeconds > 0 {
		return st.AverageDurationSeconds
	}
	return UnknownStepSeconds
}

// Update folds a new observation into the step's average and persists the
// result. Persistence failures are logged and otherwise ignored.
func (e *Estimator) Update(step string, observed time.Duration) {
	seconds := observed.Seconds()
	if seconds <= 0 {
		return
	}

	e.mu.Lock()
	st := e.stats[step]
	if st.SampleCount == 0 || st.AverageDurationSeconds <= 0 {
		st.AverageDurationSeconds = seconds
	} else {
		st.AverageDurationSeconds = e.alpha*seconds + (1-e.alpha)*st.AverageDurationSeconds
	}
	st.SampleCount++
	e.stats[step] = st
	snapshot := maps.Clone(e.stats)
	e.mu.Unlock()

	e.logger.Debug("Step stats updated", "step", step, "observed", seconds, "average", st.AverageDurationSeconds)
	e.persist(snapshot)
}

// TotalETA returns the seconds left for the given steps, where the first
// entry is the step in progress and fraction is how much of it is done.
func (e *Estimator) TotalETA(remaining []string, fraction float64) float64 {
	if len(remaining) == 0 {
		return 0
	}
	fraction = clamp(fraction, 0, 1)

	total := e.Get(remaining[0]) * (1 - fraction)
	for _, step := range remaining[1:] {
		total += e.Get(step)
	}
	return total
}

// Snapshot returns a copy of the current stats.
func (e *Estimator) Snapshot() map[string]StepStat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.stats)
}

// Reset restores the built-in defaults and persists them.
func (e *Estimator) Reset() error {
	e.mu.Lock()
	e.stats = Defaults()
	snapshot := maps.Clone(e.stats)
	e.mu.Unlock()

	if e.store == nil {
		return nil
	}
	return e.store.Save(snapshot)
}

func (e *Estimator) persist(stats map[string]StepStat) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(stats); err != nil {
		e.logger.Warn("Failed to persist step stats", "error", err)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
