// Package testutil provides polling helpers for tests that wait on
// asynchronous job and worker state.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 10 * time.Millisecond,
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := WaitForValue(tb, func() (struct{}, bool) {
		return struct{}{}, condition()
	}, opts...)
	return ok
}

// WaitForValue polls get until it reports done or timeout is reached. It
// returns the last value observed, so callers can report what they saw
// when the wait fails.
func WaitForValue[T any](tb testing.TB, get func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.Timeout)
	for {
		v, done := get()
		if done {
			return v, true
		}
		if !time.Now().Before(deadline) {
			return v, false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForValue is WaitForValue that fails the test on timeout,
// including the last observed value in the failure message.
func MustWaitForValue[T any](tb testing.TB, get func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := WaitForValue(tb, get, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for value, last observed: %+v", v)
	}
	return v
}
