package queue

import (
	"context"
	"testing"
	"time"

	"coordinator/internal/job"
	"coordinator/internal/protocol"
	"coordinator/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CollectsPeers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c1 := e.coordinator(t, "i1")
	c2 := e.coordinator(t, "i2")

	mustApply(t, c1, queuedAt("A", 0))
	mustApply(t, c1, runningAt("A", "w1", 1))
	c2.Connect(testutil.NewConn("client"))
	c2.RegisterWorker(ctx, testutil.NewConn("worker"), protocol.WorkerRegistration{ID: "w2"})
	testutil.MustWaitFor(t, func() bool {
		rec, ok := c2.Record("A")
		return ok && rec.State == job.StateRunning
	}, "peer has the job")

	status := c1.Status(ctx)
	assert.Equal(t, testQueue, status.Queue)
	require.Len(t, status.Instances, 2)
	assert.Equal(t, "i1", status.Instances[0].Instance)
	assert.Equal(t, "i2", status.Instances[1].Instance)
	assert.Equal(t, protocol.JobSummary{State: job.StateRunning, HistoryLength: 2}, status.Jobs["A"])
	assert.Equal(t, 1, status.Workers)
	assert.Equal(t, 1, status.Clients)
}

func TestStatus_AloneReturnsAfterWindow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.coordinator(t, "i1")

	start := time.Now()
	status := c.Status(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Len(t, status.Instances, 1)
	assert.Empty(t, status.Jobs)
}

func TestStatus_LateResponsesDropped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.coordinator(t, "i1")

	// No pending request; must not block or panic.
	c.deliverStatus(protocol.StatusResponseMessage{RequestID: "unknown"})
}

func TestAggregateStatus(t *testing.T) {
	t.Parallel()
	status := aggregateStatus(testQueue, []protocol.InstanceStatus{
		{
			Instance:     "i2",
			Jobs:         map[string]protocol.JobSummary{"A": {State: job.StateQueued, HistoryLength: 1}},
			LocalWorkers: 2,
			Clients:      1,
		},
		{
			Instance:     "i1",
			Jobs:         map[string]protocol.JobSummary{"A": {State: job.StateRunning, HistoryLength: 2}, "B": {State: job.StateQueued, HistoryLength: 1}},
			LocalWorkers: 1,
			Clients:      3,
		},
	})

	assert.Equal(t, "i1", status.Instances[0].Instance)
	assert.Equal(t, job.StateRunning, status.Jobs["A"].State, "longer history wins")
	assert.Len(t, status.Jobs, 2)
	assert.Equal(t, 3, status.Workers)
	assert.Equal(t, 4, status.Clients)
}
