package worker

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"genjobs/internal/cancel"
	"genjobs/internal/events"
	"genjobs/internal/pipeline"
)

type recorder struct {
	mu       sync.Mutex
	updates  []pipeline.Update
	steps    []string
	outcomes []pipeline.Outcome
}

func (r *recorder) Progress(u pipeline.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) StepCompleted(step, output string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) Finished(o pipeline.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func testSpec(t *testing.T) *Spec {
	t.Helper()
	dir := t.TempDir()
	return &Spec{
		Plan: pipeline.Plan{
			JobID:       "job-1",
			StartStep:   1,
			TextContent: "hello",
			WorkDir:     dir,
			TestMode:    true,
		},
		FontsDir: writeFont(t),
	}
}

func writeFont(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Test.ttf"), []byte("font"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestMain_StreamsEvents(t *testing.T) {
	t.Parallel()
	spec := testSpec(t)
	path := filepath.Join(spec.Plan.WorkDir, SpecFile)
	if err := WriteSpec(path, spec); err != nil {
		t.Fatalf("WriteSpec() error: %v", err)
	}

	var stdout bytes.Buffer
	if err := Main(context.Background(), path, &stdout, io.Discard); err != nil {
		t.Fatalf("Main() error: %v", err)
	}

	rec := &recorder{}
	finished, err := events.Replay(&stdout, rec, nil)
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if !finished {
		t.Fatal("expected a finished event")
	}

	if len(rec.outcomes) != 1 || rec.outcomes[0].State != pipeline.StateCompleted {
		t.Fatalf("outcomes = %+v", rec.outcomes)
	}
	want := []string{pipeline.StepBackground, pipeline.StepText, pipeline.StepComposite}
	if len(rec.steps) != len(want) {
		t.Fatalf("steps = %v, want %v", rec.steps, want)
	}
	for i := range want {
		if rec.steps[i] != want[i] {
			t.Errorf("steps[%d] = %q, want %q", i, rec.steps[i], want[i])
		}
	}
	if len(rec.updates) == 0 {
		t.Error("expected progress updates")
	}

	f, err := os.Open(rec.outcomes[0].Result)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("result is not a PNG: %v", err)
	}
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	flag := &cancel.Flag{}
	flag.Set()

	rec := &recorder{}
	outcome := NewRunner(testSpec(t), io.Discard).Run(context.Background(), flag, rec)
	if outcome.State != pipeline.StateStopped {
		t.Errorf("state = %q, want stopped", outcome.State)
	}
	if len(rec.steps) != 0 {
		t.Errorf("expected no steps to run, got %v", rec.steps)
	}
}

func TestLoadSpec(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", `{"plan":{"job_id":"a","start_step":1,"work_dir":"/tmp/a"}}`, false},
		{"missing job id", `{"plan":{"start_step":1,"work_dir":"/tmp/a"}}`, true},
		{"missing work dir", `{"plan":{"job_id":"a"}}`, true},
		{"not json", `plan: yes`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadSpec(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadSpec() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadSpec(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
