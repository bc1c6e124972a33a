package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service instruments, grouped by the golden signals:
// latency of requests, jobs and steps; traffic; errors and busy
// rejections; saturation of the single worker slot and notifier queue.
//
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobDuration     metric.Float64Histogram
	JobsTotal       metric.Int64Counter
	JobsRejected    metric.Int64Counter
	JobsFinished    metric.Int64Counter
	JobsActive      metric.Int64UpDownCounter
	StepDuration    metric.Float64Histogram
	WorkersLaunched metric.Int64Counter
	WorkersKilled   metric.Int64Counter

	NotifierDuration  metric.Float64Histogram
	NotifierDelivered metric.Int64Counter
	NotifierFailed    metric.Int64Counter
	NotifierDropped   metric.Int64Counter
	NotifierQueueSize metric.Int64Gauge
}

// instruments creates instruments on a meter, collecting errors so
// construction reads as a flat list.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates all instruments behind a Prometheus exporter and
// returns the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("genjobs")
	b := &instruments{meter: meter}
	m := &Metrics{
		meter: meter,

		HTTPRequestDuration: b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
		HTTPRequestsTotal: b.counter("http_requests_total", "Total number of HTTP requests"),
		HTTPErrorsTotal:   b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)"),

		JobDuration: b.histogram("job_duration_seconds", "Job wall-clock duration from admission to terminal state",
			1, 5, 10, 30, 60, 90, 120, 180, 300, 600, 1200),
		JobsTotal:    b.counter("jobs_total", "Total number of jobs admitted"),
		JobsRejected: b.counter("jobs_rejected_total", "Total number of submissions rejected because the slot was busy"),
		JobsFinished: b.counter("jobs_finished_total", "Total number of jobs reaching a terminal state"),
		JobsActive:   b.upDown("jobs_active", "Number of jobs holding the worker slot"),
		StepDuration: b.histogram("step_duration_seconds", "Pipeline step duration in seconds",
			0.5, 1, 2.5, 5, 10, 20, 35, 60, 80, 120, 240),
		WorkersLaunched: b.counter("workers_launched_total", "Total number of worker launches"),
		WorkersKilled:   b.counter("workers_killed_total", "Total number of workers force-killed after the stop grace period"),

		NotifierDuration: b.histogram("notifier_duration_seconds", "Callback delivery latency in seconds",
			0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
		NotifierDelivered: b.counter("notifier_delivered_total", "Total callback events successfully delivered"),
		NotifierFailed:    b.counter("notifier_failed_total", "Total callback events failed after retries"),
		NotifierDropped:   b.counter("notifier_dropped_total", "Total callback events dropped (queue full or shutting down)"),
		NotifierQueueSize: b.gauge("notifier_queue_size", "Current number of events in the notifier queue"),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// ObserveStepEstimates exports the current per-step duration estimates as
// a gauge read at scrape time.
func (m *Metrics) ObserveStepEstimates(estimates func() map[string]float64) error {
	if m == nil {
		return nil
	}
	gauge, err := m.meter.Float64ObservableGauge("step_estimate_seconds",
		metric.WithDescription("Smoothed duration estimate per pipeline step"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for step, secs := range estimates() {
			o.ObserveFloat64(gauge, secs, metric.WithAttributes(stepAttr(step)))
		}
		return nil
	}, gauge)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobAdmitted records a job taking the worker slot.
func (m *Metrics) RecordJobAdmitted(ctx context.Context, testMode bool) {
	if m == nil {
		return
	}
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(testModeAttr(testMode)))
	m.JobsActive.Add(ctx, 1)
}

// RecordJobRejected records a submission turned away because the slot was busy.
func (m *Metrics) RecordJobRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsRejected.Add(ctx, 1)
}

// RecordJobFinished records a job reaching a terminal state and releases
// its share of the active gauge.
func (m *Metrics) RecordJobFinished(ctx context.Context, state string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(stateAttr(state))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, -1)
}

// RecordStepCompleted records the duration of a finished pipeline step.
func (m *Metrics) RecordStepCompleted(ctx context.Context, step string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StepDuration.Record(ctx, durationSeconds, metric.WithAttributes(stepAttr(step)))
}

// RecordWorkerLaunched records a worker start for the given launcher.
func (m *Metrics) RecordWorkerLaunched(ctx context.Context, launcher string) {
	if m == nil {
		return
	}
	m.WorkersLaunched.Add(ctx, 1, metric.WithAttributes(launcherAttr(launcher)))
}

// RecordWorkerKilled records a forced worker termination.
func (m *Metrics) RecordWorkerKilled(ctx context.Context, launcher string) {
	if m == nil {
		return
	}
	m.WorkersKilled.Add(ctx, 1, metric.WithAttributes(launcherAttr(launcher)))
}

func (m *Metrics) RecordNotifierDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.NotifierDelivered.Add(ctx, 1)
	m.NotifierDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordNotifierFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierFailed.Add(ctx, 1)
}

func (m *Metrics) RecordNotifierDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierDropped.Add(ctx, 1)
}

func (m *Metrics) RecordNotifierQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.NotifierQueueSize.Record(ctx, size)
}
