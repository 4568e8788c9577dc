package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"coordinator/pkg/cloudevent"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
)

// MemoryDispatcher is an in-memory async event dispatcher.
//
// Events are partitioned by subject (the job hash) across Workers lanes, each
// a bounded channel drained by one goroutine, so a job's callbacks arrive in
// the order its transitions happened. A full lane drops the event.
type MemoryDispatcher struct {
	lanes   []chan *Event
	sender  *cloudevent.Sender
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

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

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		lanes:    make([]chan *Event, cfg.Workers),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	perLane := max(1, (cfg.BufferSize+cfg.Workers-1)/cfg.Workers)
	d.wg.Add(cfg.Workers)
	for i := range d.lanes {
		d.lanes[i] = make(chan *Event, perLane)
		go d.worker(d.lanes[i])
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "lanes", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.lane(event) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full",
			"destination", redactURL(event.Destination),
			"type", event.Payload.Type,
			"subject", event.Payload.Subject,
		)
		return ErrBufferFull
	}
}

func (d *MemoryDispatcher) lane(event *Event) chan *Event {
	return d.lanes[xxhash.Sum64String(event.Payload.Subject)%uint64(len(d.lanes))]
}

func (d *MemoryDispatcher) depth() int {
	n := 0
	for _, l := range d.lanes {
		n += len(l)
	}
	return n
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   d.depth(),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		RetriesTotal: d.retriesTotal.Load(),
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", d.depth())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker(lane <-chan *Event) {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drain(lane)
			return
		case event := <-lane:
			d.deliver(event)
		}
	}
}

// drain delivers what is left in a lane after the shutdown signal.
func (d *MemoryDispatcher) drain(lane <-chan *Event) {
	for {
		select {
		case event := <-lane:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Event delivery failed",
			"destination", redactURL(event.Destination),
			"type", event.Payload.Type,
			"subject", event.Payload.Subject,
			"error", err,
		)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
	d.logger.Debug("Event delivered", "type", event.Payload.Type, "subject", event.Payload.Subject)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.config.InitialBackoff
	exp.MaxInterval = d.config.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if err == nil {
			return struct{}{}, nil
		}
		if cloudevent.IsClientError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		var he *cloudevent.HTTPError
		if errors.As(err, &he) && he.RetryAfter > 0 {
			return struct{}{}, backoff.RetryAfter(int(he.RetryAfter / time.Second))
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(d.config.MaxRetries+1)),
		backoff.WithMaxElapsedTime(d.config.DeliveryTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.retriesTotal.Add(1)
			d.logger.Debug("Retrying event delivery", "subject", event.Payload.Subject, "in", next, "error", err)
		}),
	)
	return err
}

// redactURL keeps scheme and host so callback credentials in paths and
// queries stay out of logs.
func redactURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "invalid"
	}
	return parsed.Scheme + "://" + parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
