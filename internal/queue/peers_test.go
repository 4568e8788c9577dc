package queue

import (
	"context"
	"testing"

	"coordinator/internal/job"
	"coordinator/internal/protocol"
	"coordinator/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeers_AcceptedTransitionsPropagate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c1 := e.coordinator(t, "i1")
	c2 := e.coordinator(t, "i2")
	conn := testutil.NewConn("client")
	c2.Connect(conn)

	mustApply(t, c1, queuedAt("J", 0))
	mustApply(t, c1, runningAt("J", "w1", 10))

	testutil.MustWaitFor(t, func() bool {
		rec, ok := c2.Record("J")
		return ok && rec.State == job.StateRunning
	}, "peer converges on Running")
	testutil.MustWaitFor(t, func() bool {
		rec, ok := conn.LastRecord("J")
		return ok && rec.State == job.StateRunning
	}, "peer pushes the update to its sockets")
}

func TestPeers_JobStatesIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	peers := recordBus(t, e.bus)
	c := e.coordinator(t, "i1")
	conn := testutil.NewConn("client")
	c.Connect(conn)
	conn.Reset()

	incoming := history(queuedAt("J", 0), runningAt("J", "w1", 10))
	msg := busMessage(t, protocol.KindJobStates, "i2", protocol.JobStatesMessage{
		Records: map[string]*job.Record{"J": incoming},
	})

	c.HandleBusMessage(ctx, msg)
	first, ok := c.Record("J")
	require.True(t, ok)
	require.Len(t, conn.OfType(protocol.OutJobStateUpdates), 1)

	c.HandleBusMessage(ctx, msg)
	second, _ := c.Record("J")
	assert.Same(t, first, second, "second delivery must not replace the record")
	assert.Len(t, conn.OfType(protocol.OutJobStateUpdates), 1, "second delivery must not re-broadcast")
	assert.Zero(t, peers.count(protocol.KindJobStates), "peer updates are never re-published")
}

func TestPeers_ResolveKeepsMoreAuthoritativeLocalRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")

	mustApply(t, c, queuedAt("J", 0))
	mustApply(t, c, runningAt("J", "w1", 10))
	mustApply(t, c, finishedAt("J", job.ReasonSuccess, 20))

	stale := history(queuedAt("J", 0), runningAt("J", "w1", 10))
	c.HandleBusMessage(ctx, busMessage(t, protocol.KindJobStates, "i2", protocol.JobStatesMessage{
		Records: map[string]*job.Record{"J": stale},
	}))

	rec, _ := c.Record("J")
	assert.Equal(t, job.StateFinished, rec.State)
}

func TestPeers_MalformedRecordsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")

	invalid := job.NewRecord(runningAt("J", "w1", 0))
	c.HandleBusMessage(ctx, busMessage(t, protocol.KindJobStates, "i2", protocol.JobStatesMessage{
		Records: map[string]*job.Record{"J": invalid, "K": history(queuedAt("X", 0))},
	}))
	c.HandleBusMessage(ctx, protocol.BusMessage{Kind: protocol.KindJobStates, Origin: "i2", Queue: testQueue, Payload: []byte("{")})

	assert.Equal(t, 0, c.JobCount())
}

func TestPeers_ConcurrentClaimsPreferSmallerWorker(t *testing.T) {
	t.Parallel()

	for _, order := range [][2]string{{"z9", "a1"}, {"a1", "z9"}} {
		t.Run(order[0]+" first", func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			c1 := e.coordinator(t, "i1")
			c2 := e.coordinator(t, "i2")

			mustApply(t, c1, queuedAt("J", 0))
			testutil.MustWaitFor(t, func() bool {
				_, ok := c2.Record("J")
				return ok
			}, "peer sees the submission")

			mustApply(t, c1, runningAt("J", order[0], 10))
			mustApply(t, c2, runningAt("J", order[1], 10))

			for _, c := range []*Coordinator{c1, c2} {
				testutil.MustWaitFor(t, func() bool {
					rec, ok := c.Record("J")
					return ok && rec.Worker() == "a1"
				}, "converge on a1")
			}
		})
	}
}

func TestPeers_MinimalMismatchRefreshesFromPersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")
	mustApply(t, c, queuedAt("J", 0))
	c.Flush()

	// Another replica claimed the job; its broadcast was lost.
	require.NoError(t, e.gw.Put(ctx, testQueue, history(queuedAt("J", 0), runningAt("J", "w1", 10))))
	require.NoError(t, e.gw.Put(ctx, testQueue, history(queuedAt("K", 3))))

	c.HandleBusMessage(ctx, busMessage(t, protocol.KindJobStatesMinimal, "i2",
		protocol.NewMinimalStates(map[string]job.State{"J": job.StateRunning, "K": job.StateQueued})))

	testutil.MustWaitFor(t, func() bool {
		j, okJ := c.Record("J")
		_, okK := c.Record("K")
		return okJ && j.State == job.StateRunning && okK
	}, "mismatched jobs refreshed")
}

func TestPeers_LaggingPeerCatchesUpOnFinished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Two replicas share storage but not a bus; messages are relayed by hand
	// so one can be lost.
	e1 := newEnv(t)
	e2 := newEnv(t)
	e2.gw, e2.clock = e1.gw, e1.clock
	c1 := e1.coordinator(t, "i1")
	c2 := e2.coordinator(t, "i2")
	out1 := recordBus(t, e1.bus)
	out2 := recordBus(t, e2.bus)

	relay := func(from *busRecorder, kind protocol.Kind, to *Coordinator) {
		t.Helper()
		msg, ok := from.last(kind)
		require.True(t, ok, "no %s message to relay", kind)
		to.HandleBusMessage(ctx, msg)
	}

	mustApply(t, c1, queuedAt("J", 0))
	mustApply(t, c1, runningAt("J", "w1", 10))
	testutil.MustWaitFor(t, func() bool { return out1.count(protocol.KindJobStates) == 2 }, "claim published")
	relay(out1, protocol.KindJobStates, c2)
	rec, ok := c2.Record("J")
	require.True(t, ok)
	require.Equal(t, job.StateRunning, rec.State)

	// The Finished broadcast never reaches c2.
	mustApply(t, c1, finishedAt("J", job.ReasonSuccess, 20))
	c1.Flush()
	testutil.MustWaitFor(t, func() bool { return out1.count(protocol.KindJobStates) == 3 }, "finish published")

	c2.BroadcastMinimal(ctx)
	testutil.MustWaitFor(t, func() bool { return out2.count(protocol.KindJobStatesMinimal) == 1 }, "minimal states published")
	relay(out2, protocol.KindJobStatesMinimal, c1)

	testutil.MustWaitFor(t, func() bool { return out1.count(protocol.KindJobStates) == 4 }, "record published back to the lagging peer")
	relay(out1, protocol.KindJobStates, c2)

	rec, ok = c2.Record("J")
	require.True(t, ok)
	assert.Equal(t, job.StateFinished, rec.State)
	fin, ok := rec.Finished()
	require.True(t, ok)
	assert.Equal(t, job.ReasonSuccess, fin.Reason)
}

func TestPeers_MinimalMatchAfterRefreshIsNotRepublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")
	out := recordBus(t, e.bus)
	mustApply(t, c, queuedAt("J", 0))
	c.Flush()
	testutil.MustWaitFor(t, func() bool { return out.count(protocol.KindJobStates) == 1 }, "submission published")

	// The peer is ahead; once loaded from storage the views agree.
	require.NoError(t, e.gw.Put(ctx, testQueue, history(queuedAt("J", 0), runningAt("J", "w1", 10))))
	c.HandleBusMessage(ctx, busMessage(t, protocol.KindJobStatesMinimal, "i2",
		protocol.NewMinimalStates(map[string]job.State{"J": job.StateRunning})))
	testutil.MustWaitFor(t, func() bool {
		rec, ok := c.Record("J")
		return ok && rec.State == job.StateRunning
	}, "refreshed from storage")
	c.Flush()

	assert.Equal(t, 1, out.count(protocol.KindJobStates), "only the submission was published")
}

func TestPeers_MinimalMatchIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")
	mustApply(t, c, queuedAt("J", 0))
	before, _ := c.Record("J")

	c.HandleBusMessage(ctx, busMessage(t, protocol.KindJobStatesMinimal, "i2",
		protocol.NewMinimalStates(map[string]job.State{"J": job.StateQueued})))
	c.Flush()

	after, _ := c.Record("J")
	assert.Same(t, before, after)
}

func TestPeers_WorkersRoster(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")

	c.HandleBusMessage(ctx, busMessage(t, protocol.KindWorkers, "i2", protocol.WorkersMessage{
		Workers: []protocol.WorkerRegistration{{ID: "w9", CPUs: 4}},
		Lease:   at(30),
	}))
	assert.True(t, c.Workers().Live("w9", at(10)))

	c.HandleBusMessage(ctx, busMessage(t, protocol.KindWorkers, "i2", protocol.WorkersMessage{Lease: at(30)}))
	assert.False(t, c.Workers().Live("w9", at(10)), "rosters are replaced wholesale")
}

func TestPeers_DeleteCachedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")

	mustApply(t, c, queuedAt("done", 0))
	mustApply(t, c, finishedAt("done", job.ReasonSuccess, 5))
	mustApply(t, c, queuedAt("live", 0))

	for _, id := range []string{"done", "live"} {
		c.HandleBusMessage(ctx, busMessage(t, protocol.KindDeleteCachedJob, "i2", protocol.DeleteCachedJobMessage{Job: id}))
	}

	_, ok := c.Record("done")
	assert.False(t, ok)
	_, ok = c.Record("live")
	assert.True(t, ok, "in-flight jobs are kept")
}

func TestPeers_JobLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")
	conn := testutil.NewConn("client")
	c.Connect(conn)

	c.HandleBusMessage(ctx, busMessage(t, protocol.KindJobLogs, "i2", protocol.JobStatusLogs{Job: "J", Lines: []string{"hello"}}))

	msgs := conn.OfType(protocol.OutJobStatusPayload)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"hello"}, msgs[0].Payload.(protocol.JobStatusPayload).Logs)
}

func TestPeers_OwnMessagesIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, "i1")

	c.HandleBusMessage(ctx, busMessage(t, protocol.KindJobStates, "i1", protocol.JobStatesMessage{
		Records: map[string]*job.Record{"J": history(queuedAt("J", 0))},
	}))
	assert.Equal(t, 0, c.JobCount())
}
