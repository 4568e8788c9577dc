package dispatcher

import (
	"context"
	"log/slog"

	"coordinator/internal/job"
)

// defaultEvents fire when a callback names no event filter.
var defaultEvents = []string{job.EventTypeFinished}

// Callbacks turns accepted job transitions into webhook deliveries for jobs
// whose definition carries a callback.
type Callbacks struct {
	dispatcher Dispatcher
	source     string
	logger     *slog.Logger
}

// NewCallbacks creates a notifier that hands events to d. source prefixes
// the CloudEvent source of every queue.
func NewCallbacks(d Dispatcher, source string) *Callbacks {
	return &Callbacks{
		dispatcher: d,
		source:     source,
		logger:     slog.With("component", "callbacks"),
	}
}

// Notify dispatches a CloudEvent for rec when its callback asks for the
// event type of rec's current state.
func (c *Callbacks) Notify(_ context.Context, queue string, rec *job.Record) {
	if rec == nil {
		return
	}
	cb := rec.Definition().Callback
	if cb == nil || cb.URL == "" {
		return
	}

	filter := cb.Events
	if len(filter) == 0 {
		filter = defaultEvents
	}
	if !job.FilteredEvents(job.EventType(rec.State), filter) {
		return
	}

	ev := job.NewEventBuilder(c.source + "/queues/" + queue).Build(rec)
	if err := c.dispatcher.Dispatch(&Event{
		Payload:     ev,
		Destination: cb.URL,
		SigningKey:  cb.Key,
	}); err != nil {
		c.logger.Warn("Callback not dispatched", "queue", queue, "job", rec.Hash, "error", err)
	}
}
