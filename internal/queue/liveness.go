package queue

import (
	"context"

	"coordinator/internal/job"
	"coordinator/internal/protocol"
)

// RegisterWorker records a registration received on conn. The first
// registration of a worker is announced to local sockets.
func (c *Coordinator) RegisterWorker(ctx context.Context, conn Conn, reg protocol.WorkerRegistration) {
	now := c.now()
	if reg.Time.IsZero() {
		reg.Time = now
	}
	if !c.workers.Register(conn.ID(), reg, now) {
		return
	}

	c.metrics.RecordWorkers(ctx, c.queue, 1)
	c.logger.Info("Worker registered", "worker", reg.ID, "cpus", reg.CPUs, "gpus", reg.GPUs)

	c.mu.Lock()
	c.lastUsed = now
	c.broadcastLocal(c.workersMessage())
	c.mu.Unlock()
}

func (c *Coordinator) workersMessage() protocol.Outbound {
	return protocol.Outbound{
		Type:    protocol.OutWorkers,
		Payload: protocol.Workers{Workers: c.workers.Roster(c.now())},
	}
}

// SweepWorkers shares the local roster with peers, drops workers that have
// gone silent and requeues every Running job whose worker is no longer live
// anywhere.
func (c *Coordinator) SweepWorkers(ctx context.Context) {
	now := c.now()

	c.publish(ctx, protocol.KindWorkers, protocol.WorkersMessage{
		Workers: c.workers.LocalRoster(),
		Lease:   now.Add(c.cfg.LivenessWindow),
	})

	if dropped := c.workers.Sweep(now); len(dropped) > 0 {
		c.logger.Info("Dropped silent workers", "workers", dropped)
		c.mu.Lock()
		c.broadcastLocal(c.workersMessage())
		c.mu.Unlock()
	}

	// Peers need one window to announce their rosters after a restart.
	if now.Sub(c.startedAt) < c.cfg.LivenessWindow {
		return
	}

	var lost []job.StateChange
	c.mu.Lock()
	for id, rec := range c.jobs {
		if rec.State != job.StateRunning {
			continue
		}
		worker := rec.Worker()
		if c.workers.Live(worker, now) {
			continue
		}
		lost = append(lost, job.NewStateChange(id, c.instance, job.ReQueuedValue{Worker: worker, Time: now}))
	}
	c.mu.Unlock()

	requeued := 0
	for _, change := range lost {
		res, err := c.Apply(ctx, change)
		if err != nil {
			c.logger.Error("Failed to requeue job", "jobId", change.Job, "error", err)
			continue
		}
		if res.Accepted {
			requeued++
			c.logger.Warn("Requeued job of lost worker", "jobId", change.Job, "worker", change.Worker())
		}
	}
	if requeued > 0 {
		c.metrics.RecordRequeued(ctx, c.queue, requeued)
	}
}

// BroadcastMinimal publishes the id and state of every unfinished job so that
// peers can detect drift.
func (c *Coordinator) BroadcastMinimal(ctx context.Context) {
	c.mu.Lock()
	states := make(map[string]job.State, len(c.jobs))
	for id, rec := range c.jobs {
		if !rec.State.Terminal() {
			states[id] = rec.State
		}
	}
	c.mu.Unlock()

	if len(states) == 0 {
		return
	}
	c.publish(ctx, protocol.KindJobStatesMinimal, protocol.NewMinimalStates(states))
}
