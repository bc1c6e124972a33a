package steps

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"genjobs/internal/pipeline"
)

func input(t *testing.T, step string) pipeline.StepInput {
	t.Helper()
	return pipeline.StepInput{
		JobID:    "job-1",
		Step:     step,
		Previous: map[string]string{},
		WorkDir:  t.TempDir(),
	}
}

func TestDummy_ProducesDeterministicImages(t *testing.T) {
	t.Parallel()
	set := Dummy{}.Steps()

	first := input(t, pipeline.StepBackground)
	second := input(t, pipeline.StepBackground)

	a, err := set[pipeline.StepBackground](context.Background(), first)
	if err != nil {
		t.Fatalf("background error: %v", err)
	}
	b, err := set[pipeline.StepBackground](context.Background(), second)
	if err != nil {
		t.Fatalf("background error: %v", err)
	}

	da, _ := os.ReadFile(a)
	db, _ := os.ReadFile(b)
	if len(da) == 0 || !bytes.Equal(da, db) {
		t.Error("expected identical non-empty images from identical inputs")
	}
	if _, err := png.Decode(bytes.NewReader(da)); err != nil {
		t.Errorf("output is not a PNG: %v", err)
	}
}

func TestDummy_FullChain(t *testing.T) {
	t.Parallel()
	set := Dummy{}.Steps()
	dir := t.TempDir()
	prev := map[string]string{}

	for _, step := range pipeline.Steps() {
		calls := 0
		out, err := set[step](context.Background(), pipeline.StepInput{
			JobID:    "job-1",
			Step:     step,
			Previous: prev,
			WorkDir:  dir,
			Progress: func(current, total int) error {
				calls++
				if current > total {
					t.Errorf("%s: current %d > total %d", step, current, total)
				}
				return nil
			},
		})
		if err != nil {
			t.Fatalf("%s error: %v", step, err)
		}
		if calls == 0 {
			t.Errorf("%s reported no progress", step)
		}
		if want := filepath.Join(dir, step+".png"); out != want {
			t.Errorf("%s output = %q, want %q", step, out, want)
		}
		prev[step] = out
	}
}

func TestDummy_StopsWhenProgressRefuses(t *testing.T) {
	t.Parallel()
	in := input(t, pipeline.StepText)
	in.Progress = func(current, total int) error {
		if current == 2 {
			return pipeline.ErrCancelled
		}
		return nil
	}

	_, err := Dummy{}.Steps()[pipeline.StepText](context.Background(), in)
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestDummy_ContextCancelledDuringDelay(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dummy{Delay: time.Second}.Steps()[pipeline.StepBackground](ctx, input(t, pipeline.StepBackground))
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestParseProgress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in        string
		cur, tot  int
		wantValid bool
	}{
		{"3 10", 3, 10, true},
		{"  7   28 ", 7, 28, true},
		{"3", 0, 0, false},
		{"a b", 0, 0, false},
		{"1 0", 0, 0, false},
	}
	for _, tt := range tests {
		cur, tot, ok := parseProgress(tt.in)
		if ok != tt.wantValid || cur != tt.cur || tot != tt.tot {
			t.Errorf("parseProgress(%q) = %d, %d, %v", tt.in, cur, tot, ok)
		}
	}
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestCommand_ReportsProgressAndArtifact(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	in := input(t, pipeline.StepComposite)
	var seen [][2]int
	in.Progress = func(current, total int) error {
		seen = append(seen, [2]int{current, total})
		return nil
	}

	cmd := Command{Argv: []string{"sh", "-c", "cat >/dev/null; echo PROGRESS 1 2; echo hello; echo PROGRESS 2 2; echo ARTIFACT final.png"}}
	out, err := cmd.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if want := filepath.Join(in.WorkDir, "final.png"); out != want {
		t.Errorf("artifact = %q, want %q", out, want)
	}
	if len(seen) != 2 || seen[1] != [2]int{2, 2} {
		t.Errorf("progress calls = %v", seen)
	}
}

func TestCommand_ReceivesRequestOnStdin(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	in := input(t, pipeline.StepText)
	in.FontPath = "/fonts/a.ttf"
	cmd := Command{Argv: []string{"sh", "-c", "cat > request.json; echo ARTIFACT request.json"}}

	out, err := cmd.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"font_path":"/fonts/a.ttf"`)) || !bytes.Contains(data, []byte(`"step":"text"`)) {
		t.Errorf("unexpected request: %s", data)
	}
}

func TestCommand_Failure(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	_, err := Command{Argv: []string{"sh", "-c", "exit 3"}}.Run(context.Background(), input(t, pipeline.StepBackground))
	if err == nil || errors.Is(err, pipeline.ErrCancelled) {
		t.Errorf("expected a plain failure, got %v", err)
	}
}

func TestCommand_CancelledFromProgress(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)

	in := input(t, pipeline.StepBackground)
	in.Progress = func(current, total int) error { return pipeline.ErrCancelled }

	cmd := Command{
		Argv:      []string{"sh", "-c", "while true; do echo PROGRESS 1 10; sleep 0.05; done"},
		KillDelay: 200 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() {
		_, err := cmd.Run(context.Background(), in)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, pipeline.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("command was not stopped")
	}
}

func TestSet(t *testing.T) {
	t.Parallel()
	commands := map[string]string{pipeline.StepText: "render-text --fast"}

	all := Set(commands, false, Dummy{}, nil)
	for _, step := range pipeline.Steps() {
		if all[step] == nil {
			t.Errorf("missing implementation for %s", step)
		}
	}

	broken := Set(map[string]string{pipeline.StepText: `render-text "unterminated`}, false, Dummy{}, nil)
	if _, err := broken[pipeline.StepText](context.Background(), pipeline.StepInput{}); err == nil {
		t.Error("expected an unparsable command to fail its step")
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    []string
		wantErr bool
	}{
		{"plain", "render-text --fast", []string{"render-text", "--fast"}, false},
		{"blank", "   ", nil, false},
		{"quoted arguments", `python3 "/opt/gen steps/background.py" --model 'flux dev'`,
			[]string{"python3", "/opt/gen steps/background.py", "--model", "flux dev"}, false},
		{"escaped space", `run /srv/my\ models/x.py`, []string{"run", "/srv/my models/x.py"}, false},
		{"unterminated quote", `python3 "background.py`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, err := ParseCommand(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseCommand(%q) = %q, want error", tt.line, cmd.Argv)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand(%q) error: %v", tt.line, err)
			}
			if !slices.Equal(cmd.Argv, tt.want) {
				t.Errorf("ParseCommand(%q) = %q, want %q", tt.line, cmd.Argv, tt.want)
			}
		})
	}
}
