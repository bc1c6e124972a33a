package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"genjobs/internal/estimator"
)

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()
	root := newRootCommand()

	want := map[string]bool{"serve": false, "worker": true, "stats": false}
	for name, hidden := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %s not found: %v", name, err)
			continue
		}
		if cmd.Hidden != hidden {
			t.Errorf("%s hidden = %v, want %v", name, cmd.Hidden, hidden)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}

func TestWorkerCommand_RequiresSpec(t *testing.T) {
	t.Parallel()
	root := newRootCommand()
	root.SetArgs([]string{"worker"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "spec") {
		t.Errorf("Execute() error = %v, want missing --spec", err)
	}
}

// The stats command reads configuration from the environment.
func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	statsFile := filepath.Join(dir, "step_stats.yaml")
	t.Setenv("DATA_DIR", dir)
	t.Setenv("STATS_FILE", statsFile)

	run := func(args ...string) map[string]estimator.StepStat {
		t.Helper()
		var out bytes.Buffer
		root := newRootCommand()
		root.SetArgs(append([]string{"stats"}, args...))
		root.SetOut(&out)
		root.SetErr(&bytes.Buffer{})
		if err := root.Execute(); err != nil {
			t.Fatalf("stats %v: %v", args, err)
		}
		var stats map[string]estimator.StepStat
		if err := yaml.Unmarshal(out.Bytes(), &stats); err != nil {
			t.Fatalf("output is not YAML: %v\n%s", err, out.String())
		}
		return stats
	}

	stats := run()
	if stats["background"].AverageDurationSeconds != 80 {
		t.Errorf("default background = %v", stats["background"])
	}
	if _, err := os.Stat(statsFile); !os.IsNotExist(err) {
		t.Errorf("showing stats must not write the file: %v", err)
	}

	est := estimator.New(estimator.NewFileStore(statsFile))
	est.Update("text", 50*time.Second)

	if got := run()["text"]; got.AverageDurationSeconds != 50 || got.SampleCount != 1 {
		t.Errorf("text after update = %+v", got)
	}
	if got := run("--reset")["text"]; got.AverageDurationSeconds != 35 || got.SampleCount != 0 {
		t.Errorf("text after reset = %+v", got)
	}
}
