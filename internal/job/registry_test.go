package job

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"genjobs/internal/apperrors"
	"genjobs/internal/pipeline"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(maxJobs int) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(maxJobs)
	r.now = clock.now
	return r, clock
}

func TestRegistry_CreateAndGet(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(0)

	if err := r.Create(&Record{ID: "a", State: StateCompleted}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	rec, ok := r.Get("a")
	if !ok {
		t.Fatal("expected record")
	}
	if rec.State != StateQueued {
		t.Errorf("state = %q, want queued", rec.State)
	}
	if rec.StepOutputs == nil {
		t.Error("expected non-nil step outputs")
	}

	// Copies must not alias registry state.
	rec.StepOutputs["x"] = "y"
	if again, _ := r.Get("a"); len(again.StepOutputs) != 0 {
		t.Error("Get() returned an aliased map")
	}

	err := r.Create(&Record{ID: "a"})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict for duplicate id, got %v", err)
	}
}

func TestRegistry_EvictsOldestTerminal(t *testing.T) {
	t.Parallel()
	r, clock := newTestRegistry(3)

	for i := range 3 {
		id := fmt.Sprintf("job-%d", i)
		if err := r.Create(&Record{ID: id}); err != nil {
			t.Fatal(err)
		}
		clock.advance(time.Second)
	}
	// job-0 stays running; job-1 is the oldest terminal record.
	r.Finish("job-1", pipeline.Outcome{State: pipeline.StateCompleted, Result: "r"})
	r.Finish("job-2", pipeline.Outcome{State: pipeline.StateCompleted, Result: "r"})

	if err := r.Create(&Record{ID: "job-3"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("job-1"); ok {
		t.Error("expected job-1 to be evicted")
	}
	for _, id := range []string{"job-0", "job-2", "job-3"} {
		if _, ok := r.Get(id); !ok {
			t.Errorf("expected %s to be kept", id)
		}
	}
}

func TestRegistry_ProgressIsMonotone(t *testing.T) {
	t.Parallel()
	r, clock := newTestRegistry(0)
	r.Create(&Record{ID: "a"})

	updates := []struct {
		percent int
		want    int
	}{
		{10, 10},
		{40, 40},
		{25, 40},
		{120, 100},
	}
	for _, u := range updates {
		clock.advance(time.Second)
		if !r.Progress("a", pipeline.Update{Step: pipeline.StepBackground, Percent: u.percent, ETASeconds: 30}) {
			t.Fatal("Progress() rejected update")
		}
		rec, _ := r.Get("a")
		if rec.ProgressPercent != u.want {
			t.Errorf("after %d%%: progress = %d, want %d", u.percent, rec.ProgressPercent, u.want)
		}
		if rec.State != StateRunning {
			t.Errorf("state = %q, want running", rec.State)
		}
	}

	rec, _ := r.Get("a")
	if rec.StartedAt == nil {
		t.Error("expected started_at after first progress")
	}
}

func TestRegistry_UpdatedAtNeverRegresses(t *testing.T) {
	t.Parallel()
	r, clock := newTestRegistry(0)
	r.Create(&Record{ID: "a"})
	clock.advance(10 * time.Second)
	r.Progress("a", pipeline.Update{Percent: 5})
	first, _ := r.Get("a")

	clock.advance(-5 * time.Second)
	r.Progress("a", pipeline.Update{Percent: 6})
	second, _ := r.Get("a")

	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestRegistry_StepOutputsImmutable(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(0)
	r.Create(&Record{ID: "a"})

	key1, _ := r.AddStepOutput("a", "background", "/one.png", time.Second)
	key2, _ := r.AddStepOutput("a", "background", "/two.png", 2*time.Second)
	key3, _ := r.AddStepOutput("a", "background", "/three.png", 3*time.Second)

	if key1 != "background" || key2 != "background.2" || key3 != "background.3" {
		t.Errorf("keys = %q, %q, %q", key1, key2, key3)
	}
	rec, _ := r.Get("a")
	if rec.StepOutputs["background"] != "/one.png" {
		t.Errorf("first output overwritten: %q", rec.StepOutputs["background"])
	}
	if rec.StepDurations["background.2"] != 2 {
		t.Errorf("duration = %v, want 2", rec.StepDurations["background.2"])
	}
}

func TestRegistry_Finish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		outcome   pipeline.Outcome
		wantState State
		wantError string
	}{
		{"completed", pipeline.Outcome{State: pipeline.StateCompleted, Result: "/r.png"}, StateCompleted, ""},
		{"stopped", pipeline.Outcome{State: pipeline.StateStopped}, StateStopped, ""},
		{"error", pipeline.Outcome{State: pipeline.StateError, Error: "step 1 (background) failed: boom"}, StateError, "step 1 (background) failed: boom"},
		{"error without message", pipeline.Outcome{State: pipeline.StateError}, StateError, "job failed without an error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newTestRegistry(0)
			r.Create(&Record{ID: "a"})
			r.Progress("a", pipeline.Update{Percent: 50, ETASeconds: 10})

			rec, ok := r.Finish("a", tt.outcome)
			if !ok {
				t.Fatal("Finish() returned false")
			}
			if rec.State != tt.wantState {
				t.Errorf("state = %q, want %q", rec.State, tt.wantState)
			}
			if rec.ErrorMessage != tt.wantError {
				t.Errorf("error = %q, want %q", rec.ErrorMessage, tt.wantError)
			}
			if rec.FinishedAt == nil || rec.Message == "" {
				t.Errorf("finished_at=%v message=%q", rec.FinishedAt, rec.Message)
			}
			if rec.ETASeconds != 0 {
				t.Errorf("eta = %v, want 0", rec.ETASeconds)
			}
			if tt.wantState == StateCompleted && (rec.ProgressPercent != 100 || rec.Result != "/r.png") {
				t.Errorf("progress=%d result=%q", rec.ProgressPercent, rec.Result)
			}
			if tt.wantState != StateCompleted && rec.Result != "" {
				t.Errorf("result set on %s: %q", rec.State, rec.Result)
			}

			// Terminal states are absorbing.
			if _, ok := r.Finish("a", pipeline.Outcome{State: pipeline.StateCompleted}); ok {
				t.Error("Finish() on terminal record succeeded")
			}
			if r.Progress("a", pipeline.Update{Percent: 99}) {
				t.Error("Progress() on terminal record succeeded")
			}
			if _, ok := r.AddStepOutput("a", "text", "/t.png", time.Second); ok {
				t.Error("AddStepOutput() on terminal record succeeded")
			}
			again, _ := r.Get("a")
			if again.State != tt.wantState {
				t.Errorf("state changed to %q", again.State)
			}
		})
	}
}

func TestRegistry_FinishMergesOutcomeOutputs(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(0)
	r.Create(&Record{ID: "a", StepOutputs: map[string]string{"background": "/in/bg.png"}})
	r.AddStepOutput("a", "text", "/text.png", time.Second)

	rec, _ := r.Finish("a", pipeline.Outcome{
		State:     pipeline.StateCompleted,
		Result:    "/composite.png",
		Outputs:   map[string]string{"background": "/in/bg.png", "text": "/text.png", "composite": "/composite.png"},
		Durations: map[string]time.Duration{"composite": 3 * time.Second},
	})

	want := map[string]string{"background": "/in/bg.png", "text": "/text.png", "composite": "/composite.png"}
	if len(rec.StepOutputs) != len(want) {
		t.Fatalf("step outputs = %v, want %v", rec.StepOutputs, want)
	}
	for k, v := range want {
		if rec.StepOutputs[k] != v {
			t.Errorf("step_outputs[%s] = %q, want %q", k, rec.StepOutputs[k], v)
		}
	}
	if rec.StepDurations["composite"] != 3 {
		t.Errorf("composite duration = %v", rec.StepDurations["composite"])
	}
}

func TestRegistry_Delete(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(0)
	r.Create(&Record{ID: "a"})

	if err := r.Delete("missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := r.Delete("a"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict for live job, got %v", err)
	}
	r.Finish("a", pipeline.Outcome{State: pipeline.StateStopped})
	if err := r.Delete("a"); err != nil {
		t.Errorf("Delete() error: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ListAndReset(t *testing.T) {
	t.Parallel()
	r, clock := newTestRegistry(0)
	for _, id := range []string{"c", "a", "b"} {
		r.Create(&Record{ID: id})
		clock.advance(time.Second)
	}

	list := r.List()
	if len(list) != 3 || list[0].ID != "c" || list[2].ID != "b" {
		t.Errorf("List() order = %v", []string{list[0].ID, list[1].ID, list[2].ID})
	}

	if n := r.Reset(); n != 3 {
		t.Errorf("Reset() = %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Error("expected empty registry after reset")
	}
}

func TestRegistry_MarkRunning(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(0)
	r.Create(&Record{ID: "a"})

	if !r.MarkRunning("a", "Worker started.") {
		t.Fatal("MarkRunning() returned false")
	}
	if r.MarkRunning("a", "again") {
		t.Error("MarkRunning() on running record succeeded")
	}
	rec, _ := r.Get("a")
	if rec.State != StateRunning || rec.Message != "Worker started." || rec.StartedAt == nil {
		t.Errorf("record = %+v", rec)
	}
}
