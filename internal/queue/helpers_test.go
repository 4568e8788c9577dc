package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"coordinator/internal/bus"
	"coordinator/internal/job"
	"coordinator/internal/persistence"
	"coordinator/internal/protocol"
	"coordinator/internal/testutil"

	"github.com/stretchr/testify/require"
)

const testQueue = "build"

var at = testutil.At

// testConfig disables the periodic tasks; tests call the sweeps directly.
func testConfig() Config {
	return Config{
		LivenessWindow:           30 * time.Second,
		WorkerSweepInterval:      time.Hour,
		MinimalBroadcastInterval: time.Hour,
		NamespaceSweepInterval:   time.Hour,
		FinishedRemovalDelay:     time.Hour,
		StatusCollectWindow:      200 * time.Millisecond,
		SupersedeGrace:           60 * time.Second,
		IdleTimeout:              time.Minute,
		PersistTimeout:           time.Second,
	}
}

type env struct {
	clock *testutil.Clock
	gw    persistence.Gateway
	bus   *bus.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	b := bus.NewMemory(bus.MemoryConfig{}, nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return &env{
		clock: testutil.NewClock(testutil.At(0)),
		gw:    persistence.NewMemory(),
		bus:   b,
	}
}

func (e *env) coordinator(t *testing.T, instance string, mutate ...func(*Config)) *Coordinator {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(testQueue, cfg, Options{
		Instance: instance,
		Gateway:  e.gw,
		Bus:      e.bus,
		Now:      e.clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func def(name string) job.Definition {
	return job.Definition{Image: "alpine:3", Command: "echo " + name}
}

func queuedAt(id string, sec int) job.StateChange {
	return queuedNS(id, "", sec)
}

func queuedNS(id, ns string, sec int) job.StateChange {
	return job.NewStateChange(id, "client", job.QueuedValue{Definition: def(id), Namespace: ns, Time: at(sec)})
}

func runningAt(id, worker string, sec int) job.StateChange {
	return job.NewStateChange(id, worker, job.RunningValue{Worker: worker, Time: at(sec)})
}

func requeuedAt(id string, sec int) job.StateChange {
	return job.NewStateChange(id, "sweep", job.ReQueuedValue{Time: at(sec)})
}

func finishedAt(id string, reason job.FinishedReason, sec int) job.StateChange {
	return job.NewStateChange(id, "w1", job.FinishedValue{Reason: reason, Worker: "w1", Time: at(sec)})
}

// history builds a record by appending changes without the state machine.
func history(changes ...job.StateChange) *job.Record {
	rec := job.NewRecord(changes[0])
	for _, c := range changes[1:] {
		rec = rec.With(c)
	}
	return rec
}

func mustApply(t *testing.T, c *Coordinator, change job.StateChange) Result {
	t.Helper()
	res, err := c.Apply(context.Background(), change)
	require.NoError(t, err)
	return res
}

func states(rec *job.Record) []job.State {
	out := make([]job.State, len(rec.History))
	for i, h := range rec.History {
		out[i] = h.State
	}
	return out
}

// busRecorder captures every message published on the test queue.
type busRecorder struct {
	mu   sync.Mutex
	msgs []protocol.BusMessage
}

func recordBus(t *testing.T, b bus.Bus) *busRecorder {
	t.Helper()
	r := &busRecorder{}
	sub, err := b.Subscribe(testQueue, func(_ context.Context, msg protocol.BusMessage) {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return r
}

func (r *busRecorder) count(kind protocol.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// last returns the most recent message of kind.
func (r *busRecorder) last(kind protocol.Kind) (protocol.BusMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Kind == kind {
			return r.msgs[i], true
		}
	}
	return protocol.BusMessage{}, false
}

func busMessage(t *testing.T, kind protocol.Kind, origin string, payload any) protocol.BusMessage {
	t.Helper()
	msg, err := protocol.NewBusMessage(kind, origin, testQueue, payload)
	require.NoError(t, err)
	return msg
}
