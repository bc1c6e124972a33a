// Package backoff computes retry delays for callback delivery.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. 0 disables it.
	Jitter float64
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	jitter := 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	if attempt < 1 {
		return initial
	}
	backoff := min(float64(initial)*math.Pow(2.0, float64(attempt-1)), float64(maxBackoff))
	if jitter > 0 {
		backoff -= backoff * jitter * rand.Float64()
	}
	return time.Duration(backoff)
}

// Sleep waits for the backoff of attempt or until done is closed.
// It reports whether the full delay elapsed.
func Sleep(done <-chan struct{}, attempt int, cfg *Config) bool {
	return Wait(done, Exponential(attempt, cfg))
}

// Wait blocks for d or until done is closed, reporting whether d elapsed.
// A non-positive d returns immediately unless done is already closed.
func Wait(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
