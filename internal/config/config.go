// Package config provides configuration loading from environment variables
// and an optional config file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/viper"

	"genjobs/internal/pipeline"
)

// Launchers accepted by LAUNCHER.
const (
	LauncherProcess = "process"
	LauncherDocker  = "docker"
	LauncherInline  = "inline"
)

// ServiceConfig holds configuration for the genjobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string

	Launcher        string
	WorkerImage     string // docker launcher only
	GPUDevices      string // "all", "none" or a comma-separated id list
	StopGracePeriod time.Duration

	DataDir        string
	StatsFile      string
	StatsSmoothing float64
	FontsDir       string
	DefaultFont    string
	MaxJobs        int

	// StepCommands maps step names to external commands. Empty means dummy.
	StepCommands map[string]string

	WorkerLogMaxSizeMB  int
	WorkerLogMaxBackups int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("api_key_file", "")
	v.SetDefault("shutdown_drain_wait", 5*time.Second)
	v.SetDefault("log_level", "info")

	v.SetDefault("launcher", LauncherProcess)
	v.SetDefault("worker_image", "genjobs:latest")
	v.SetDefault("gpu_devices", "all")
	v.SetDefault("stop_grace_period", 3*time.Second)

	v.SetDefault("data_dir", "./data")
	v.SetDefault("stats_file", "")
	v.SetDefault("stats_smoothing", 0.2)
	v.SetDefault("fonts_dir", "./fonts")
	v.SetDefault("default_font", "NanumMyeongjo-YetHangul.ttf")
	v.SetDefault("max_jobs", 100)

	for _, step := range pipeline.Steps() {
		v.SetDefault(stepCommandKey(step), "")
	}

	v.SetDefault("worker_log_max_size_mb", 10)
	v.SetDefault("worker_log_max_backups", 3)
}

func stepCommandKey(step string) string {
	return "step_" + step + "_cmd"
}

// LoadServiceConfig loads service configuration. Environment variables
// override values from configFile, which is optional.
func LoadServiceConfig(configFile string) (*ServiceConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	cfg := &ServiceConfig{
		Port:              v.GetString("port"),
		MetricsPort:       v.GetString("metrics_port"),
		APIKey:            GetSecretFile(v.GetString("api_key_file")),
		ShutdownDrainWait: v.GetDuration("shutdown_drain_wait"),
		LogLevel:          strings.ToLower(v.GetString("log_level")),

		Launcher:        strings.ToLower(v.GetString("launcher")),
		WorkerImage:     v.GetString("worker_image"),
		GPUDevices:      v.GetString("gpu_devices"),
		StopGracePeriod: v.GetDuration("stop_grace_period"),

		DataDir:        v.GetString("data_dir"),
		StatsFile:      v.GetString("stats_file"),
		StatsSmoothing: v.GetFloat64("stats_smoothing"),
		FontsDir:       v.GetString("fonts_dir"),
		DefaultFont:    v.GetString("default_font"),
		MaxJobs:        v.GetInt("max_jobs"),

		StepCommands: make(map[string]string),

		WorkerLogMaxSizeMB:  v.GetInt("worker_log_max_size_mb"),
		WorkerLogMaxBackups: v.GetInt("worker_log_max_backups"),
	}
	for _, step := range pipeline.Steps() {
		if line := strings.TrimSpace(v.GetString(stepCommandKey(step))); line != "" {
			cfg.StepCommands[step] = line
		}
	}
	if cfg.StatsFile == "" {
		cfg.StatsFile = filepath.Join(cfg.DataDir, "step_stats.yaml")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes the filesystem settings absolute. Workers run with
// their job directory as working directory, so relative paths handed to
// them would resolve against the wrong place.
func (c *ServiceConfig) resolvePaths() error {
	for _, p := range []*string{&c.DataDir, &c.StatsFile, &c.FontsDir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate checks values that have no safe fallback.
func (c *ServiceConfig) Validate() error {
	switch c.Launcher {
	case LauncherProcess, LauncherDocker, LauncherInline:
	default:
		return fmt.Errorf("LAUNCHER must be one of %s, %s, %s; got %q", LauncherProcess, LauncherDocker, LauncherInline, c.Launcher)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.StatsSmoothing <= 0 || c.StatsSmoothing > 1 {
		return fmt.Errorf("STATS_SMOOTHING must be in (0, 1], got %g", c.StatsSmoothing)
	}
	if c.StopGracePeriod <= 0 {
		return fmt.Errorf("STOP_GRACE_PERIOD must be positive, got %s", c.StopGracePeriod)
	}
	if c.MaxJobs < 0 {
		return fmt.Errorf("MAX_JOBS must not be negative, got %d", c.MaxJobs)
	}
	if c.Launcher == LauncherDocker && c.WorkerImage == "" {
		return fmt.Errorf("WORKER_IMAGE is required for the docker launcher")
	}
	for step, line := range c.StepCommands {
		if _, err := shlex.Split(line); err != nil {
			return fmt.Errorf("%s: %w", strings.ToUpper(stepCommandKey(step)), err)
		}
	}
	return nil
}
