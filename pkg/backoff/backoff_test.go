package backoff

import (
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	callback := &Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second}
	tests := []struct {
		name    string
		cfg     *Config
		attempt int
		want    time.Duration
	}{
		{"defaults first", nil, 1, 100 * time.Millisecond},
		{"defaults doubles", nil, 4, 800 * time.Millisecond},
		{"defaults capped", nil, 8, 5 * time.Second},
		{"zero attempt", nil, 0, 100 * time.Millisecond},
		{"negative attempt", nil, -1, 100 * time.Millisecond},
		{"callback first", callback, 1, 200 * time.Millisecond},
		{"callback third", callback, 3, 800 * time.Millisecond},
		{"callback capped", callback, 6, 5 * time.Second},
		{"only initial set", &Config{Initial: 200 * time.Millisecond}, 6, 5 * time.Second},
		{"only max set", &Config{Max: 300 * time.Millisecond}, 3, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Exponential(tt.attempt, tt.cfg); got != tt.want {
				t.Errorf("Exponential(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestExponential_Jitter(t *testing.T) {
	t.Parallel()

	cfg := &Config{Initial: time.Second, Max: 10 * time.Second, Jitter: 0.5}
	for range 50 {
		got := Exponential(2, cfg)
		if got < time.Second || got > 2*time.Second {
			t.Fatalf("Exponential(2, jitter 0.5) = %v, want within [1s, 2s]", got)
		}
	}
}

func TestWait(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	close(closed)

	tests := []struct {
		name string
		done <-chan struct{}
		d    time.Duration
		want bool
	}{
		{"elapses", nil, time.Millisecond, true},
		{"zero elapses immediately", nil, 0, true},
		{"interrupted", closed, time.Hour, false},
		{"zero but already done", closed, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Wait(tt.done, tt.d); got != tt.want {
				t.Errorf("Wait() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()

	if !Sleep(nil, 1, &Config{Initial: time.Millisecond}) {
		t.Error("expected Sleep to complete")
	}

	done := make(chan struct{})
	close(done)
	if Sleep(done, 1, &Config{Initial: time.Hour}) {
		t.Error("expected Sleep to be interrupted")
	}
}
