package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request, transition and bus throughput
// - Errors: Rejected transitions, persistence and delivery failures
// - Saturation: Active jobs, connected workers, dispatcher queue
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Coordinator metrics (Latency, Traffic, Errors, Saturation)
	JobDuration            metric.Float64Histogram
	TransitionsTotal       metric.Int64Counter
	JobsActive             metric.Int64UpDownCounter
	RequeuedTotal          metric.Int64Counter
	SupersededTotal        metric.Int64Counter
	WorkersConnected       metric.Int64UpDownCounter
	BusMessagesTotal       metric.Int64Counter
	PersistenceErrorsTotal metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("coordinator")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Coordinator metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from first submission to Finished in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransitionsTotal, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("State changes received, by target state and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of non-finished jobs held in memory (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RequeuedTotal, err = meter.Int64Counter(
		"jobs_requeued_total",
		metric.WithDescription("Running jobs returned to the pool after their worker was lost"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SupersededTotal, err = meter.Int64Counter(
		"jobs_superseded_total",
		metric.WithDescription("Jobs cancelled by a newer submission in the same namespace"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkersConnected, err = meter.Int64UpDownCounter(
		"workers_connected",
		metric.WithDescription("Workers registered on this instance (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BusMessagesTotal, err = meter.Int64Counter(
		"bus_messages_total",
		metric.WithDescription("Broadcast bus messages by kind and direction"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PersistenceErrorsTotal, err = meter.Int64Counter(
		"persistence_errors_total",
		metric.WithDescription("Failed persistence calls by operation"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped on a full buffer"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
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

// RecordTransition records a received state change and whether it was accepted.
func (m *Metrics) RecordTransition(ctx context.Context, queue, state string, accepted bool) {
	m.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(queueAttr(queue), stateAttr(state), outcomeAttr(accepted)))
}

// RecordJobsActive adjusts the number of in-flight jobs of a queue.
func (m *Metrics) RecordJobsActive(ctx context.Context, queue string, delta int64) {
	m.JobsActive.Add(ctx, delta, metric.WithAttributes(queueAttr(queue)))
}

// RecordJobFinished records a job reaching Finished.
func (m *Metrics) RecordJobFinished(ctx context.Context, queue, reason string, durationSeconds float64) {
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(queueAttr(queue), reasonAttr(reason)))
}

// RecordRequeued records jobs returned to the pool by the requeue sweep.
func (m *Metrics) RecordRequeued(ctx context.Context, queue string, n int) {
	m.RequeuedTotal.Add(ctx, int64(n), metric.WithAttributes(queueAttr(queue)))
}

// RecordSuperseded records jobs cancelled by the namespace sweep.
func (m *Metrics) RecordSuperseded(ctx context.Context, queue string, n int) {
	m.SupersededTotal.Add(ctx, int64(n), metric.WithAttributes(queueAttr(queue)))
}

// RecordWorkers adjusts the number of locally registered workers.
func (m *Metrics) RecordWorkers(ctx context.Context, queue string, delta int64) {
	m.WorkersConnected.Add(ctx, delta, metric.WithAttributes(queueAttr(queue)))
}

// RecordBusMessage records one bus message. direction is "in" or "out".
func (m *Metrics) RecordBusMessage(ctx context.Context, kind, direction string) {
	m.BusMessagesTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), directionAttr(direction)))
}

// RecordPersistenceError records a failed persistence call.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	m.PersistenceErrorsTotal.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
