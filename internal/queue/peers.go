package queue

import (
	"context"
	"errors"

	"coordinator/internal/apperrors"
	"coordinator/internal/job"
	"coordinator/internal/protocol"
)

// HandleBusMessage processes a message from a peer coordinator of the same
// queue. Messages published by this instance are ignored.
func (c *Coordinator) HandleBusMessage(ctx context.Context, msg protocol.BusMessage) {
	if msg.Origin == c.instance || msg.Queue != c.queue {
		return
	}
	logger := c.logger.With("kind", msg.Kind, "peer", msg.Origin)

	var err error
	switch msg.Kind {
	case protocol.KindJobStates:
		err = c.handleJobStates(ctx, msg)
	case protocol.KindJobStatesMinimal:
		err = c.handleMinimalStates(msg)
	case protocol.KindWorkers:
		var p protocol.WorkersMessage
		if err = msg.Decode(&p); err == nil {
			c.workers.ReplaceRemote(msg.Origin, p.Workers, p.Lease)
		}
	case protocol.KindStatusRequest:
		var p protocol.StatusRequestMessage
		if err = msg.Decode(&p); err == nil {
			c.publish(ctx, protocol.KindStatusResponse, protocol.StatusResponseMessage{
				RequestID: p.RequestID,
				Status:    c.localStatus(),
			})
		}
	case protocol.KindStatusResponse:
		var p protocol.StatusResponseMessage
		if err = msg.Decode(&p); err == nil {
			c.deliverStatus(p)
		}
	case protocol.KindDeleteCachedJob:
		var p protocol.DeleteCachedJobMessage
		if err = msg.Decode(&p); err == nil {
			c.forgetFinished(ctx, p.Job)
		}
	case protocol.KindJobLogs:
		var p protocol.JobStatusLogs
		if err = msg.Decode(&p); err == nil {
			c.mu.Lock()
			c.broadcastLocal(logsMessage(p))
			c.mu.Unlock()
		}
	default:
		logger.Debug("Ignoring unknown bus message")
		return
	}

	if err != nil {
		logger.Warn("Dropping malformed bus message", "error", err)
	}
}

// handleJobStates merges full records from a peer. Records that change the
// local view are pushed to local sockets only; peers already have them.
func (c *Coordinator) handleJobStates(ctx context.Context, msg protocol.BusMessage) error {
	var p protocol.JobStatesMessage
	if err := msg.Decode(&p); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []*job.Record
	for id, rec := range p.Records {
		if rec == nil || rec.Hash != id {
			c.logger.Warn("Dropping record keyed under the wrong id", "jobId", id)
			continue
		}
		if err := rec.Validate(); err != nil {
			c.logger.Warn("Dropping invalid record from peer", "jobId", id, "error", err)
			continue
		}
		if next, ok := c.merge(ctx, rec); ok {
			changed = append(changed, next)
		}
	}
	c.pushUpdates(changed...)
	return nil
}

// merge resolves rec against the local copy and installs the winner. It
// reports whether the local view changed. Callers hold mu.
func (c *Coordinator) merge(ctx context.Context, rec *job.Record) (*job.Record, bool) {
	local := c.jobs[rec.Hash]
	next := job.Resolve(local, rec)
	if next == local || job.Identical(next, local) {
		return local, false
	}
	c.install(ctx, next)
	return next, true
}

// handleMinimalStates compares a peer's id/state pairs with the local view
// and loads the authoritative record of every mismatch in the background.
// If the peer still disagrees with the resolved record afterwards, the
// record is published so the peer can resolve against it.
func (c *Coordinator) handleMinimalStates(msg protocol.BusMessage) error {
	var p protocol.MinimalStates
	if err := msg.Decode(&p); err != nil {
		return err
	}

	stale := make(map[string]job.State)
	c.mu.Lock()
	for id, state := range p.Pairs() {
		if rec, ok := c.jobs[id]; !ok || rec.State != state {
			stale[id] = state
		}
	}
	c.mu.Unlock()

	for id, state := range stale {
		c.refresh(id, state)
	}
	return nil
}

// refresh loads a job from persistence in the background and merges it.
// reported is the state the peer announced for it.
func (c *Coordinator) refresh(jobID string, reported job.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.disputed[jobID] = reported
	if _, ok := c.fetching[jobID]; ok {
		return
	}
	c.fetching[jobID] = nil
	c.startFetch(jobID)
}

// fetchThenApply parks change until the job has been loaded from
// persistence, then applies it. Callers hold mu.
func (c *Coordinator) fetchThenApply(change job.StateChange) {
	if c.closed {
		return
	}
	if waiting, ok := c.fetching[change.Job]; ok {
		c.fetching[change.Job] = append(waiting, change)
		return
	}
	c.fetching[change.Job] = []job.StateChange{change}
	c.startFetch(change.Job)
}

// startFetch loads jobID in the background. Changes parked in fetching are
// applied once the load completes. Callers hold mu and have marked jobID in
// fetching.
func (c *Coordinator) startFetch(jobID string) {
	c.fetches.Add(1)
	go func() {
		defer c.fetches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
		defer cancel()

		rec := c.lookup(ctx, jobID)

		c.mu.Lock()
		waiting := c.fetching[jobID]
		delete(c.fetching, jobID)
		var changed *job.Record
		if rec != nil && !c.closed {
			if next, ok := c.merge(ctx, rec); ok {
				changed = next
				c.pushUpdates(next)
			}
		}
		var correction *job.Record
		if reported, ok := c.disputed[jobID]; ok {
			delete(c.disputed, jobID)
			if cur := c.jobs[jobID]; cur != nil && cur.State != reported && !c.closed {
				correction = cur
			}
		}
		c.mu.Unlock()

		if correction != nil {
			c.logger.Debug("Peer behind on job, publishing record", "jobId", jobID, "state", correction.State)
			c.publishRecords(ctx, correction)
		}
		if rec == nil {
			if len(waiting) > 0 {
				c.logger.Debug("Dropping state change for unknown job", "jobId", jobID, "changes", len(waiting))
			}
			return
		}
		if changed != nil {
			c.logger.Debug("Job refreshed from persistence", "jobId", jobID, "state", changed.State)
		}
		for _, change := range waiting {
			if _, err := c.Apply(ctx, change); err != nil {
				c.logger.Warn("Parked state change failed", "jobId", jobID, "error", err)
			}
		}
	}()
}

// lookup reads a job from the live store, falling back to the result cache.
// It returns nil when neither holds the job.
func (c *Coordinator) lookup(ctx context.Context, jobID string) *job.Record {
	rec, err := c.gw.Get(ctx, c.queue, jobID)
	if err == nil {
		return rec
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		c.logger.Warn("Failed to load job", "jobId", jobID, "error", err)
	}

	rec, err = c.gw.CacheGet(ctx, jobID)
	if err == nil {
		return rec
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		c.logger.Warn("Failed to load cached job", "jobId", jobID, "error", err)
	}
	return nil
}

// forgetFinished drops a finished job from memory after its cache entry was
// cleared. In-flight jobs are kept.
func (c *Coordinator) forgetFinished(ctx context.Context, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.jobs[jobID]; ok && rec.State.Terminal() {
		c.forget(ctx, jobID)
	}
}

func logsMessage(p protocol.JobStatusLogs) protocol.Outbound {
	return protocol.Outbound{
		Type:    protocol.OutJobStatusPayload,
		Payload: protocol.JobStatusPayload{Job: p.Job, Logs: p.Lines},
	}
}
