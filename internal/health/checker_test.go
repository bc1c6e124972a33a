package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoLauncher(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	launcherCheck, ok := response.Checks["launcher"]
	if !ok {
		t.Fatal("Expected launcher check to be present")
	}
	if launcherCheck.Status != StatusUnhealthy {
		t.Errorf("Expected launcher check to be unhealthy, got %s", launcherCheck.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	ok := ReadinessFunc(func(context.Context) error { return nil })
	failing := ReadinessFunc(func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name     string
		launcher ReadinessChecker
		opts     []Option
		want     Status
		ready    bool
	}{
		{"all healthy", ok, []Option{WithCheck("storage", ok, false)}, StatusHealthy, true},
		{"launcher down", failing, []Option{WithCheck("storage", ok, false)}, StatusUnhealthy, false},
		{"optional check down", ok, []Option{WithCheck("fonts", failing, false)}, StatusDegraded, true},
		{"critical extra check down", ok, []Option{WithCheck("storage", failing, true)}, StatusUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.launcher, tt.opts...).Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("status = %s, want %s (checks %v)", response.Status, tt.want, response.Checks)
			}
			if response.IsReady() != tt.ready {
				t.Errorf("IsReady() = %v, want %v", response.IsReady(), tt.ready)
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	launcher := ReadinessFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	checker := NewChecker(launcher)

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())
	if calls.Load() != 1 {
		t.Errorf("launcher checked %d times, want 1 within the cache window", calls.Load())
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(ReadinessFunc(func(context.Context) error { return nil }))
	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Errorf("checks = %v, want shutdown entry", response.Checks)
	}
}

func TestWritableDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if err := WritableDir(dir).Ready(context.Background()); err != nil {
		t.Errorf("Ready() error: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}

	if err := WritableDir(filepath.Join(dir, "missing")).Ready(context.Background()); err == nil {
		t.Error("expected error for missing directory")
	}

	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WritableDir(file).Ready(context.Background()); err == nil {
		t.Error("expected error for non-directory")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
