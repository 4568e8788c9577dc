package queue

import (
	"context"
	"slices"
	"strings"
	"time"

	"coordinator/internal/protocol"

	"github.com/google/uuid"
)

// localStatus reports what this instance knows about the queue.
func (c *Coordinator) localStatus() protocol.InstanceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	jobs := make(map[string]protocol.JobSummary, len(c.jobs))
	for id, rec := range c.jobs {
		jobs[id] = protocol.JobSummary{State: rec.State, HistoryLength: len(rec.History)}
	}
	return protocol.InstanceStatus{
		Instance:     c.instance,
		Jobs:         jobs,
		LocalWorkers: c.workers.LocalCount(),
		Workers:      len(c.workers.Roster(c.now())),
		Clients:      len(c.conns),
	}
}

// Status asks every peer for its status, waits StatusCollectWindow for the
// answers and aggregates whatever arrived. Missing peers are not an error.
func (c *Coordinator) Status(ctx context.Context) protocol.Status {
	requestID := uuid.NewString()
	responses := make(chan protocol.InstanceStatus, 16)

	c.statusMu.Lock()
	c.pending[requestID] = responses
	c.statusMu.Unlock()
	defer func() {
		c.statusMu.Lock()
		delete(c.pending, requestID)
		c.statusMu.Unlock()
	}()

	c.touch()
	c.publish(ctx, protocol.KindStatusRequest, protocol.StatusRequestMessage{RequestID: requestID})

	instances := []protocol.InstanceStatus{c.localStatus()}
	timer := time.NewTimer(c.cfg.StatusCollectWindow)
	defer timer.Stop()

collect:
	for {
		select {
		case s := <-responses:
			instances = append(instances, s)
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	return aggregateStatus(c.queue, instances)
}

// deliverStatus hands a peer's response to the Status call waiting for it.
// Late and unknown responses are dropped.
func (c *Coordinator) deliverStatus(resp protocol.StatusResponseMessage) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	ch, ok := c.pending[resp.RequestID]
	if !ok {
		return
	}
	select {
	case ch <- resp.Status:
	default:
		c.logger.Debug("Status response dropped", "instance", resp.Status.Instance)
	}
}

func aggregateStatus(queue string, instances []protocol.InstanceStatus) protocol.Status {
	slices.SortFunc(instances, func(a, b protocol.InstanceStatus) int {
		return strings.Compare(a.Instance, b.Instance)
	})

	out := protocol.Status{
		Queue:     queue,
		Jobs:      make(map[string]protocol.JobSummary),
		Instances: instances,
	}
	for _, inst := range instances {
		for id, s := range inst.Jobs {
			if cur, ok := out.Jobs[id]; !ok || s.HistoryLength > cur.HistoryLength {
				out.Jobs[id] = s
			}
		}
		out.Clients += inst.Clients
		out.Workers += inst.LocalWorkers
	}
	return out
}
