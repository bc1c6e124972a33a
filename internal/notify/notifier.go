// Package notify delivers job callback events asynchronously with buffering,
// per-destination rate limiting and retry.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"genjobs/pkg/backoff"
	"genjobs/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier is closed")

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer
	RetriesTotal int64 // total retry attempts
	Destinations int   // hosts with a rate limiter
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifierDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifierFailed(ctx context.Context)
	RecordNotifierDropped(ctx context.Context)
	RecordNotifierQueueSize(ctx context.Context, size int64)
}

// Notifier is an in-memory async callback sender.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type Notifier struct {
	queue   chan *Event
	sender  *cloudevent.Sender
	config  Config
	backoff backoff.Config
	logger  *slog.Logger
	metrics MetricsRecorder

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	// Internal counters (for Stats())
	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a notifier and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(nil, cfg.HTTPTimeout),
		config: cfg,
		backoff: backoff.Config{
			Initial: defaultInitialBackoff,
			Max:     defaultMaxBackoff,
			Jitter:  0.2,
		},
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		limiters: make(map[string]*rate.Limiter),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}

	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "rateLimit", cfg.RateLimit)
	return n
}

// reportQueueSize periodically reports the queue size metric.
func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifierQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// Notify queues an event for async delivery. Non-blocking.
func (n *Notifier) Notify(event *Event) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.queue <- event:
		n.queued.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifierDropped(context.Background())
		}
		n.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(event.Destination),
			"type", event.Payload.Type,
		)
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	n.limitersMu.Lock()
	destinations := len(n.limiters)
	n.limitersMu.Unlock()

	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		Destinations: destinations,
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// The context deadline controls how long to wait for drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

// drainQueue delivers remaining events after shutdown signal.
func (n *Notifier) drainQueue() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(event *Event) {
	host := extractHost(event.Destination)

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliverTimeout)
	defer cancel()

	if err := n.limiter(host).Wait(ctx); err != nil {
		n.fail(ctx, event, host, fmt.Errorf("rate limit wait: %w", err))
		return
	}

	start := time.Now()
	if err := n.sendWithRetry(ctx, event); err != nil {
		n.fail(ctx, event, host, err)
		return
	}

	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierDelivered(ctx, time.Since(start).Seconds())
	}
	n.logger.Debug("Event delivered", "destination", host, "type", event.Payload.Type, "jobId", event.Payload.Subject)
}

func (n *Notifier) fail(ctx context.Context, event *Event, host string, err error) {
	n.failed.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierFailed(ctx)
	}
	n.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "jobId", event.Payload.Subject, "error", err)
}

// limiter returns the rate limiter for a destination host, creating it on first use.
func (n *Notifier) limiter(host string) *rate.Limiter {
	n.limitersMu.Lock()
	defer n.limitersMu.Unlock()

	l, ok := n.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(n.config.RateLimit), n.config.Burst)
		n.limiters[host] = l
	}
	return l
}

func (n *Notifier) sendWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			if !n.waitRetry(ctx, attempt, lastErr) {
				return ctx.Err()
			}
		}

		lastErr = n.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// waitRetry sleeps before a retry. A Retry-After hint from the receiver
// replaces the exponential delay but is capped at the maximum backoff.
func (n *Notifier) waitRetry(ctx context.Context, attempt int, lastErr error) bool {
	if hint := cloudevent.RetryDelay(lastErr); hint > 0 {
		return backoff.Wait(ctx.Done(), min(hint, n.backoff.Max))
	}
	return backoff.Sleep(ctx.Done(), attempt, &n.backoff)
}

// extractHost extracts the host from a URL for per-destination limiting.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
