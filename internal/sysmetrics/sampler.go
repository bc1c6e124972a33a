// Package sysmetrics samples host and worker resource usage for status responses.
package sysmetrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// Snapshot is a point-in-time view of resource usage.
type Snapshot struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	MemoryUsedMB  uint64        `json:"memory_used_mb"`
	MemoryTotalMB uint64        `json:"memory_total_mb"`
	Worker        *ProcessStats `json:"worker,omitempty"`
	SampledAt     time.Time     `json:"sampled_at"`
}

// ProcessStats describes the worker process.
type ProcessStats struct {
	PID         int32   `json:"pid"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryRSSMB uint64  `json:"memory_rss_mb"`
	NumThreads  int32   `json:"num_threads,omitempty"`
}

// Sampler caches host measurements for a short interval so that frequent
// status polling does not hammer /proc.
type Sampler struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	host *Snapshot
}

// NewSampler creates a sampler. ttl <= 0 disables caching.
func NewSampler(ttl time.Duration) *Sampler {
	return &Sampler{
		ttl:    ttl,
		now:    time.Now,
		logger: slog.With("component", "sysmetrics"),
	}
}

// Sample returns host usage plus, when pid > 0, usage of that process.
// Measurement failures are logged and leave fields at zero.
func (s *Sampler) Sample(ctx context.Context, pid int) *Snapshot {
	snap := *s.hostSnapshot(ctx)
	if pid > 0 {
		snap.Worker = s.processStats(ctx, int32(pid))
	}
	return &snap
}

func (s *Sampler) hostSnapshot(ctx context.Context) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.host != nil && s.ttl > 0 && now.Sub(s.host.SampledAt) < s.ttl {
		return s.host
	}

	snap := &Snapshot{SampledAt: now}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		s.logger.Debug("Failed to get CPU percent", "error", err)
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		s.logger.Debug("Failed to get memory info", "error", err)
	} else {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedMB = vm.Used / bytesPerMB
		snap.MemoryTotalMB = vm.Total / bytesPerMB
	}

	s.host = snap
	return snap
}

func (s *Sampler) processStats(ctx context.Context, pid int32) *ProcessStats {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		s.logger.Debug("Worker process not found", "pid", pid, "error", err)
		return nil
	}

	stats := &ProcessStats{PID: pid}
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpuPercent
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.MemoryRSSMB = memInfo.RSS / bytesPerMB
	}
	if numThreads, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = numThreads
	}
	return stats
}
