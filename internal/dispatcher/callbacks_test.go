package dispatcher

import (
	"context"
	"sync"
	"testing"

	"coordinator/internal/job"
	"coordinator/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (c *captureDispatcher) Dispatch(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureDispatcher) Stats() Stats                    { return Stats{} }
func (c *captureDispatcher) Close(ctx context.Context) error { return nil }

func recordWith(cb *job.Callback, values ...job.Value) *job.Record {
	def := job.Definition{Image: "alpine:3", Command: "true", Callback: cb}
	id := def.Hash()
	rec := job.NewRecord(job.NewStateChange(id, "client", job.QueuedValue{Definition: def, Namespace: "pr-7", Time: testutil.At(0)}))
	for _, v := range values {
		rec = rec.With(job.NewStateChange(id, "worker", v))
	}
	return rec
}

func TestCallbacks_Notify(t *testing.T) {
	t.Parallel()
	exit := 0
	running := job.RunningValue{Worker: "w1", Time: testutil.At(1)}
	finished := job.FinishedValue{Reason: job.ReasonSuccess, Worker: "w1", Result: &job.Result{ExitCode: &exit}, Time: testutil.At(2)}

	tests := []struct {
		name     string
		rec      *job.Record
		expected []string
	}{
		{"no callback", recordWith(nil, running, finished), nil},
		{"empty url", recordWith(&job.Callback{}, running, finished), nil},
		{"default filter skips running", recordWith(&job.Callback{URL: "http://cb"}, running), nil},
		{"default filter fires on finish", recordWith(&job.Callback{URL: "http://cb"}, running, finished), []string{job.EventTypeFinished}},
		{
			"explicit filter",
			recordWith(&job.Callback{URL: "http://cb", Events: []string{job.EventTypeRunning}}, running),
			[]string{job.EventTypeRunning},
		},
		{
			"explicit filter excludes finish",
			recordWith(&job.Callback{URL: "http://cb", Events: []string{job.EventTypeRunning}}, running, finished),
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &captureDispatcher{}
			NewCallbacks(d, "coordinator").Notify(context.Background(), "build", tt.rec)

			var got []string
			for _, ev := range d.events {
				got = append(got, ev.Payload.Type)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCallbacks_EventContents(t *testing.T) {
	t.Parallel()
	d := &captureDispatcher{}
	cb := &job.Callback{URL: "http://cb/hook", Key: "k"}
	rec := recordWith(cb, job.FinishedValue{Reason: job.ReasonCancelled, Message: "stop", Time: testutil.At(3)})

	NewCallbacks(d, "coordinator").Notify(context.Background(), "build", rec)

	require.Len(t, d.events, 1)
	ev := d.events[0]
	assert.Equal(t, "http://cb/hook", ev.Destination)
	assert.Equal(t, "k", ev.SigningKey)
	assert.Equal(t, "coordinator/queues/build", ev.Payload.Source)
	assert.Equal(t, rec.Hash, ev.Payload.Subject)
	assert.Equal(t, job.ReasonCancelled, ev.Payload.Data["reason"])
	assert.Equal(t, "pr-7", ev.Payload.Data["namespace"])
	assert.Equal(t, testutil.At(3), ev.Payload.Time)
}

func TestCallbacks_DispatchErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	d := &captureDispatcher{err: ErrBufferFull}
	rec := recordWith(&job.Callback{URL: "http://cb"}, job.FinishedValue{Reason: job.ReasonError, Time: testutil.At(1)})

	assert.NotPanics(t, func() {
		NewCallbacks(d, "coordinator").Notify(context.Background(), "build", rec)
	})
}
