package job

import (
	"slices"
	"strings"

	"coordinator/pkg/cloudevent"

	"github.com/google/uuid"
)

// Event types for job state callbacks
const (
	EventTypeQueued   = "coordinator.job.queued"
	EventTypeRunning  = "coordinator.job.running"
	EventTypeReQueued = "coordinator.job.requeued"
	EventTypeFinished = "coordinator.job.finished"
)

// EventType returns the callback event type for a state.
func EventType(s State) string {
	return "coordinator.job." + strings.ToLower(string(s))
}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for accepted state changes of one queue.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder. source identifies the queue.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates a CloudEvent describing rec's current state.
func (b *EventBuilder) Build(rec *Record) *cloudevent.CloudEvent {
	last := rec.Last()
	data := map[string]any{
		"jobId":         rec.Hash,
		"state":         rec.State,
		"historyLength": len(rec.History),
	}
	if ns := rec.Namespace(); ns != "" {
		data["namespace"] = ns
	}
	if w := last.Worker(); w != "" {
		data["worker"] = w
	}
	if fin, ok := rec.Finished(); ok {
		data["reason"] = fin.Reason
		if fin.Message != "" {
			data["message"] = fin.Message
		}
		if fin.Result != nil {
			data["result"] = fin.Result
		}
	}

	ev := cloudevent.New(EventType(rec.State), b.source, rec.Hash, uuid.NewString(), data)
	if t := last.Time(); !t.IsZero() {
		ev.Time = t.UTC()
	}
	return ev
}
