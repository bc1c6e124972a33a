// Package worker is the runtime of an isolated job worker. It executes a
// single job plan and streams events back to the supervisor.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"genjobs/internal/estimator"
	"genjobs/internal/pipeline"
)

// SpecFile is the name of the spec file written into each job directory.
const SpecFile = "worker.json"

// Spec is everything a worker needs to run one job.
type Spec struct {
	Plan        pipeline.Plan                 `json:"plan"`
	Stats       map[string]estimator.StepStat `json:"stats,omitempty"`
	FontsDir    string                        `json:"fonts_dir"`
	DefaultFont string                        `json:"default_font,omitempty"`
	Commands    map[string]string             `json:"commands,omitempty"`
	DummyDelay  time.Duration                 `json:"dummy_delay,omitempty"`
}

// Validate checks the fields a worker cannot run without.
func (s *Spec) Validate() error {
	if s.Plan.JobID == "" {
		return errors.New("plan.job_id is required")
	}
	if s.Plan.WorkDir == "" {
		return errors.New("plan.work_dir is required")
	}
	return nil
}

// WriteSpec stores spec as JSON at path.
func WriteSpec(path string, spec *Spec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worker spec: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create spec directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write worker spec: %w", err)
	}
	return nil
}

// LoadSpec reads and validates a spec written by WriteSpec.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse worker spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker spec: %w", err)
	}
	return &spec, nil
}
