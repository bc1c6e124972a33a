package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"gopkg.in/natefinch/lumberjack.v2"

	"genjobs/internal/events"
)

// DockerConfig holds configuration for the Docker launcher.
type DockerConfig struct {
	Image string
	// GPUDevices is "all", a comma separated list of device ids, or "none".
	GPUDevices string
	// DataDir and FontsDir are bind mounted at the same paths so that
	// plan paths are valid inside the container.
	DataDir       string
	FontsDir      string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Container labels identifying genjobs workers.
const (
	labelJobID     = "job.id"
	labelManagedBy = "managed-by"
	managedByValue = "genjobs"
)

// DockerLauncher runs each worker in its own container on the local daemon.
type DockerLauncher struct {
	client *client.Client
	config DockerConfig
	logger *slog.Logger
}

// NewDockerLauncher connects to the Docker daemon described by the environment.
func NewDockerLauncher(cfg DockerConfig) (*DockerLauncher, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("worker image is required")
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{
		client: dockerClient,
		config: cfg,
		logger: slog.With("component", "supervisor", "launcher", "docker"),
	}, nil
}

func (l *DockerLauncher) Name() string { return "docker" }

// Ready checks if the Docker daemon is reachable and responsive.
func (l *DockerLauncher) Ready(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// RemoveOrphans force-removes worker containers left by a previous run of
// the service. Their jobs are unknown to the new registry, and a live one
// would keep holding the GPU. It returns the ids of the jobs removed.
func (l *DockerLauncher) RemoveOrphans(ctx context.Context) ([]string, error) {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var removed []string
	for _, c := range containers {
		jobID := c.Labels[labelJobID]
		logger := l.logger.With("jobId", jobID, "containerId", shortID(c.ID), "state", c.State)
		if err := l.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove orphaned worker", "error", err)
			continue
		}
		logger.Warn("Removed orphaned worker container")
		removed = append(removed, jobID)
	}
	return removed, nil
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

func (l *DockerLauncher) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	logger := l.logger.With("jobId", req.JobID)

	if err := l.pullImageIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("failed to pull worker image: %w", err)
	}

	mounts, err := l.mounts()
	if err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image:      l.config.Image,
		Cmd:        []string{"worker", "--spec", req.SpecPath},
		WorkingDir: req.WorkDir,
		Labels: map[string]string{
			labelJobID:     req.JobID,
			"job.type":     "worker",
			labelManagedBy: managedByValue,
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			DeviceRequests: gpuRequests(l.config.GPUDevices),
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "genjobs-"+req.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}

	h := &dockerHandle{
		client:      l.client,
		containerID: resp.ID,
		log: &lumberjack.Logger{
			Filename:   filepath.Join(req.WorkDir, WorkerLogFile),
			MaxSize:    l.config.LogMaxSizeMB,
			MaxBackups: l.config.LogMaxBackups,
		},
		replayed: make(chan struct{}),
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = h.Close(ctx)
		return nil, fmt.Errorf("failed to start worker container: %w", err)
	}

	if info, err := l.client.ContainerInspect(ctx, resp.ID); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		h.pid = info.State.Pid
	}

	logs, err := l.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		_ = h.Kill(ctx)
		_ = h.Close(ctx)
		return nil, fmt.Errorf("failed to attach worker logs: %w", err)
	}

	// Demultiplex container output: stdout is the event stream, stderr the log.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, h.log, logs)
		logs.Close()
		pw.CloseWithError(err)
	}()
	go func() {
		defer close(h.replayed)
		if _, err := events.Replay(pr, req.Reporter, logger); err != nil {
			logger.Warn("Worker event stream ended with error", "error", err)
		}
	}()

	logger.Info("Worker container started", "containerId", shortID(resp.ID))
	return h, nil
}

func (l *DockerLauncher) mounts() ([]mount.Mount, error) {
	var mounts []mount.Mount
	dataDir, err := filepath.Abs(l.config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: dataDir, Target: dataDir})

	if l.config.FontsDir != "" {
		fontsDir, err := filepath.Abs(l.config.FontsDir)
		if err != nil {
			return nil, fmt.Errorf("resolve fonts dir: %w", err)
		}
		if !strings.HasPrefix(fontsDir, dataDir+string(filepath.Separator)) {
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: fontsDir, Target: fontsDir, ReadOnly: true})
		}
	}
	return mounts, nil
}

func (l *DockerLauncher) pullImageIfNeeded(ctx context.Context) error {
	_, err := l.client.ImageInspect(ctx, l.config.Image)
	if err == nil {
		return nil
	}

	reader, err := l.client.ImagePull(ctx, l.config.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// gpuRequests translates a device selection into NVIDIA device requests.
func gpuRequests(devices string) []container.DeviceRequest {
	devices = strings.TrimSpace(devices)
	switch devices {
	case "", "none":
		return nil
	case "all":
		return []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	var ids []string
	for _, id := range strings.Split(devices, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return []container.DeviceRequest{{
		Driver:       "nvidia",
		DeviceIDs:    ids,
		Capabilities: [][]string{{"gpu"}},
	}}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type dockerHandle struct {
	client      *client.Client
	containerID string
	pid         int
	log         *lumberjack.Logger
	replayed    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (h *dockerHandle) PID() int { return h.pid }

func (h *dockerHandle) Interrupt(ctx context.Context) error {
	return h.client.ContainerKill(ctx, h.containerID, "SIGUSR1")
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	return h.client.ContainerKill(ctx, h.containerID, "SIGKILL")
}

func (h *dockerHandle) Wait() error {
	<-h.replayed

	statusCh, errCh := h.client.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		if status.Error != nil {
			return fmt.Errorf("%s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return fmt.Errorf("worker container exited with status %d", status.StatusCode)
		}
		return nil
	}
}

func (h *dockerHandle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
		if logErr := h.log.Close(); err == nil {
			err = logErr
		}
		h.closeErr = err
	})
	return h.closeErr
}
