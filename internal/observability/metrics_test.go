package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 200, 0.050)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 503, 0.002)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs/abc123/stop", 200, 0.005)
	metrics.RecordHTTPRequest(ctx, "DELETE", "/v1/jobs/abc123", 409, 0.001)
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobAdmitted(ctx, false)
	metrics.RecordJobRejected(ctx)
	metrics.RecordStepCompleted(ctx, "background", 78.2)
	metrics.RecordWorkerLaunched(ctx, "process")
	metrics.RecordWorkerKilled(ctx, "process")
	metrics.RecordJobFinished(ctx, "stopped", 12.5)
	metrics.RecordNotifierDelivered(ctx, 0.05)
	metrics.RecordNotifierFailed(ctx)
	metrics.RecordNotifierDropped(ctx)
	metrics.RecordNotifierQueueSize(ctx, 3)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()
	var metrics *Metrics
	ctx := context.Background()

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs", 200, 0.001)
	metrics.RecordJobAdmitted(ctx, true)
	metrics.RecordJobFinished(ctx, "completed", 1)
	metrics.RecordNotifierQueueSize(ctx, 0)
}

func TestObserveStepEstimates(t *testing.T) {
	t.Parallel()
	metrics, _, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	err = metrics.ObserveStepEstimates(func() map[string]float64 {
		return map[string]float64{"background": 80, "text": 35, "composite": 5}
	})
	if err != nil {
		t.Errorf("ObserveStepEstimates() error: %v", err)
	}

	var none *Metrics
	if err := none.ObserveStepEstimates(nil); err != nil {
		t.Errorf("nil metrics returned %v", err)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/metrics", "/metrics"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/", "/v1/jobs/"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/v1/jobs/xyz-789-def/stop", "/v1/jobs/{jobId}/stop"},
		{"/v1/fonts", "/v1/fonts"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
