package steps

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"genjobs/internal/pipeline"
)

// DefaultKillDelay is how long a step command gets between SIGTERM and SIGKILL.
const DefaultKillDelay = 5 * time.Second

// Command runs a step as an external program.
//
// The program receives a JSON request on stdin and writes line-oriented
// reports on stdout:
//
//	PROGRESS <current> <total>
//	ARTIFACT <path>
//
// Any other stdout line is logged. The last ARTIFACT line is the step output;
// relative paths are resolved against the job work dir.
type Command struct {
	Argv      []string
	Env       []string
	Stderr    io.Writer
	KillDelay time.Duration
}

// ParseCommand splits a command line using shell quoting rules. No shell
// is involved: variables and globs are passed through literally.
func ParseCommand(line string) (Command, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", line, err)
	}
	return Command{Argv: argv}, nil
}

type commandRequest struct {
	JobID    string            `json:"job_id"`
	Step     string            `json:"step"`
	Previous map[string]string `json:"previous"`
	Params   map[string]any    `json:"params"`
	FontPath string            `json:"font_path,omitempty"`
	WorkDir  string            `json:"work_dir"`
}

// Run implements pipeline.StepFunc.
func (c Command) Run(ctx context.Context, in pipeline.StepInput) (string, error) {
	if len(c.Argv) == 0 {
		return "", errors.New("empty step command")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := json.Marshal(commandRequest{
		JobID:    in.JobID,
		Step:     in.Step,
		Previous: in.Previous,
		Params:   in.Params,
		FontPath: in.FontPath,
		WorkDir:  in.WorkDir,
	})
	if err != nil {
		return "", fmt.Errorf("encode step request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = in.WorkDir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = strings.NewReader(string(req))
	cmd.Stderr = c.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.KillDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultKillDelay
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}

	logger := slog.With("jobId", in.JobID, "step", in.Step)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", c.Argv[0], err)
	}
	logger.Debug("Step command started", "pid", cmd.Process.Pid, "argv", c.Argv)

	var (
		artifact  string
		cancelled bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "PROGRESS":
			cur, total, ok := parseProgress(rest)
			if !ok {
				logger.Warn("Malformed progress line", "line", line)
				continue
			}
			if in.Progress != nil {
				if err := in.Progress(cur, total); err != nil {
					cancelled = true
					cancel()
				}
			}
		case "ARTIFACT":
			artifact = strings.TrimSpace(rest)
		default:
			if line != "" {
				logger.Debug("Step output", "line", line)
			}
		}
	}

	waitErr := cmd.Wait()

	if cancelled || (waitErr != nil && ctx.Err() != nil) {
		return "", pipeline.ErrCancelled
	}
	if waitErr != nil {
		return "", fmt.Errorf("%s: %w", filepath.Base(c.Argv[0]), waitErr)
	}
	if artifact == "" {
		return "", nil
	}
	if !filepath.IsAbs(artifact) && in.WorkDir != "" {
		artifact = filepath.Join(in.WorkDir, artifact)
	}
	return artifact, nil
}

func parseProgress(s string) (int, int, bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, false
	}
	cur, err1 := strconv.Atoi(fields[0])
	total, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, 0, false
	}
	return cur, total, true
}

// Set builds the step implementations for a run. Steps without a configured
// command fall back to Dummy; testMode forces Dummy for every step.
func Set(commands map[string]string, testMode bool, dummy Dummy, stderr io.Writer) pipeline.StepSet {
	set := dummy.Steps()
	if testMode {
		return set
	}
	for _, step := range pipeline.Steps() {
		line := strings.TrimSpace(commands[step])
		if line == "" {
			slog.Warn("No command configured for step, using dummy implementation", "step", step)
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			slog.Error("Invalid command for step", "step", step, "error", err)
			set[step] = failStep(err)
			continue
		}
		cmd.Stderr = stderr
		set[step] = cmd.Run
	}
	return set
}

func failStep(err error) pipeline.StepFunc {
	return func(context.Context, pipeline.StepInput) (string, error) {
		return "", err
	}
}
