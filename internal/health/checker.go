// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// Ready calls f(ctx).
func (f ReadinessFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type check struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithCheck adds a named dependency check. A failing critical check makes
// the service unhealthy; any other failure only degrades it.
func WithCheck(name string, checker ReadinessChecker, critical bool) Option {
	return func(c *Checker) {
		c.checks = append(c.checks, check{name: name, checker: checker, critical: critical})
	}
}

// WithTimeout bounds each individual check.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Checker performs health checks on dependencies.
type Checker struct {
	checks   []check
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker whose critical "launcher" check is
// the worker launcher.
func NewChecker(launcher ReadinessChecker, opts ...Option) *Checker {
	c := &Checker{
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
	c.checks = append(c.checks, check{name: "launcher", checker: launcher, critical: true})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the Docker daemon)
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult, len(c.checks))
	overall := StatusHealthy
	for _, chk := range c.checks {
		result := c.run(ctx, chk)
		checks[chk.name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if chk.critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	response := &Response{
		Status: overall,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, chk check) CheckResult {
	failed := StatusDegraded
	if chk.critical {
		failed = StatusUnhealthy
	}
	if chk.checker == nil {
		return CheckResult{Status: failed, Message: chk.name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := chk.checker.Ready(ctx); err != nil {
		return CheckResult{Status: failed, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless the overall status is unhealthy.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

// WritableDir returns a check that the directory exists and accepts new files.
func WritableDir(dir string) ReadinessChecker {
	return ReadinessFunc(func(ctx context.Context) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		f, err := os.CreateTemp(dir, ".readyz-*")
		if err != nil {
			return fmt.Errorf("%s is not writable: %w", dir, err)
		}
		name := f.Name()
		f.Close()
		return os.Remove(filepath.Clean(name))
	})
}
