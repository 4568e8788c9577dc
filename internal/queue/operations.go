package queue

import (
	"context"
	"errors"
	"fmt"

	"coordinator/internal/apperrors"
	"coordinator/internal/job"
	"coordinator/internal/protocol"
)

// Submit queues a job built from def. Submitting a definition that is
// already in flight returns the existing record unchanged.
func (c *Coordinator) Submit(ctx context.Context, tag string, def job.Definition, namespace string) (Result, error) {
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return Result{}, err
	}
	if err := job.ValidateNamespace(namespace); err != nil {
		return Result{}, err
	}

	change := job.NewStateChange(def.Hash(), tag, job.QueuedValue{
		Definition: def,
		Namespace:  namespace,
		Time:       c.now(),
	})
	return c.Apply(ctx, change)
}

// Cancel finishes an unfinished job with reason Cancelled.
func (c *Coordinator) Cancel(ctx context.Context, tag, jobID string) (Result, error) {
	rec, err := c.ensureLoaded(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if rec.State.Terminal() {
		return Result{Record: rec}, apperrors.Conflict("job", jobID, "job already finished")
	}

	return c.Apply(ctx, job.NewStateChange(jobID, tag, job.FinishedValue{
		Reason: job.ReasonCancelled,
		Worker: rec.Worker(),
		Time:   c.now(),
	}))
}

// Query returns the current record of a job from memory, the live store or
// the result cache.
func (c *Coordinator) Query(ctx context.Context, jobID string) (*job.Record, error) {
	return c.ensureLoaded(ctx, jobID)
}

// ClearCache evicts a finished job from the result cache. Peers are told to
// forget the job once the eviction has succeeded. It reports whether an
// entry was removed.
func (c *Coordinator) ClearCache(ctx context.Context, jobID string) (bool, error) {
	c.touch()
	// A pending result write must not land after the delete.
	c.persist.flush()
	if err := c.gw.CacheDelete(ctx, jobID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	// Finished records stay in the live store until their delayed removal.
	if rec, err := c.gw.Get(ctx, c.queue, jobID); err == nil && rec.State.Terminal() {
		if err := c.gw.Delete(ctx, c.queue, jobID); err != nil {
			return false, err
		}
	}

	c.forgetFinished(ctx, jobID)
	c.publish(ctx, protocol.KindDeleteCachedJob, protocol.DeleteCachedJobMessage{Job: jobID})
	c.logger.Info("Cached result cleared", "jobId", jobID)
	return true, nil
}

// Resubmit runs a finished job again from its stored definition. The old
// result is evicted first. Resubmitting an unfinished job is a no-op.
func (c *Coordinator) Resubmit(ctx context.Context, tag, jobID string) (Result, error) {
	rec, err := c.ensureLoaded(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if !rec.State.Terminal() {
		return Result{Record: rec}, nil
	}

	queued, ok := rec.Queued()
	if !ok {
		return Result{}, apperrors.Internal("queue.resubmit", fmt.Errorf("job %s has no definition", jobID))
	}
	if _, err := c.ClearCache(ctx, jobID); err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	c.forget(ctx, jobID)
	c.mu.Unlock()

	return c.Apply(ctx, job.NewStateChange(jobID, tag, job.QueuedValue{
		Definition: queued.Definition,
		Namespace:  queued.Namespace,
		Time:       c.now(),
	}))
}

// ensureLoaded returns the in-memory record of a job, loading it from
// persistence first when needed.
func (c *Coordinator) ensureLoaded(ctx context.Context, jobID string) (*job.Record, error) {
	if rec, ok := c.Record(jobID); ok {
		return rec, nil
	}

	rec := c.lookup(ctx, jobID)
	if rec == nil {
		return nil, apperrors.NotFound("job", jobID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = c.now()
	if next, ok := c.merge(ctx, rec); ok {
		c.pushUpdates(next)
		return next, nil
	}
	return c.jobs[jobID], nil
}

// PublishLogs streams log lines to local sockets and to peers.
func (c *Coordinator) PublishLogs(ctx context.Context, logs protocol.JobStatusLogs) {
	c.mu.Lock()
	c.lastUsed = c.now()
	c.broadcastLocal(logsMessage(logs))
	c.mu.Unlock()

	c.publish(ctx, protocol.KindJobLogs, logs)
}

// HandleInbound dispatches a message received from a client or worker
// socket. Failures are reported back on conn and never affect other
// messages.
func (c *Coordinator) HandleInbound(ctx context.Context, conn Conn, msg protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic handling message", "type", msg.Type, "conn", conn.ID(), "panic", fmt.Sprint(r))
		}
	}()

	logger := c.logger.With("type", msg.Type, "conn", conn.ID())
	switch msg.Type {
	case protocol.InStateChange:
		var change job.StateChange
		if err := msg.Decode(&change); err != nil {
			c.replyError(conn, "", err)
			return
		}
		if err := change.VerifyContentID(); err != nil {
			c.replyError(conn, change.Job, err)
			return
		}
		if change.Tag == "" {
			change.Tag = conn.ID()
		}
		if _, err := c.Apply(ctx, change); err != nil {
			c.replyError(conn, change.Job, err)
		}

	case protocol.InWorkerRegistration:
		var reg protocol.WorkerRegistration
		if err := msg.Decode(&reg); err != nil || reg.ID == "" {
			logger.Warn("Invalid worker registration", "error", err)
			return
		}
		c.RegisterWorker(ctx, conn, reg)

	case protocol.InStatusRequest:
		go func() {
			status := c.Status(ctx)
			c.mu.Lock()
			defer c.mu.Unlock()
			c.sendTo(conn, protocol.Outbound{Type: protocol.OutStatusRequest, Payload: status})
		}()

	case protocol.InJobStatusLogs:
		var logs protocol.JobStatusLogs
		if err := msg.Decode(&logs); err != nil {
			logger.Warn("Invalid job logs", "error", err)
			return
		}
		c.PublishLogs(ctx, logs)

	case protocol.InClearJobCache:
		var ref protocol.JobRef
		if err := msg.Decode(&ref); err != nil {
			c.replyError(conn, "", err)
			return
		}
		removed, err := c.ClearCache(ctx, ref.Job)
		if err != nil {
			c.replyError(conn, ref.Job, err)
			return
		}
		c.reply(conn, protocol.Outbound{
			Type:    protocol.OutClearJobCacheConfirm,
			Payload: protocol.ClearJobCacheConfirm{Job: ref.Job, Removed: removed},
		})

	case protocol.InResubmitJob:
		var ref protocol.JobRef
		if err := msg.Decode(&ref); err != nil {
			c.replyError(conn, "", err)
			return
		}
		if _, err := c.Resubmit(ctx, conn.ID(), ref.Job); err != nil {
			c.replyError(conn, ref.Job, err)
		}

	case protocol.InQueryJob:
		var ref protocol.JobRef
		if err := msg.Decode(&ref); err != nil {
			c.replyError(conn, "", err)
			return
		}
		rec, err := c.Query(ctx, ref.Job)
		if err != nil {
			c.replyError(conn, ref.Job, err)
			return
		}
		c.reply(conn, protocol.Outbound{
			Type:    protocol.OutJobStatusPayload,
			Payload: protocol.JobStatusPayload{Job: ref.Job, Record: rec},
		})

	default:
		logger.Warn("Ignoring unknown message type")
	}
}

func (c *Coordinator) reply(conn Conn, msg protocol.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendTo(conn, msg)
}

func (c *Coordinator) replyError(conn Conn, jobID string, err error) {
	c.logger.Debug("Request failed", "conn", conn.ID(), "jobId", jobID, "error", err)
	c.reply(conn, protocol.Outbound{
		Type:    protocol.OutJobStatusPayload,
		Payload: protocol.JobStatusPayload{Job: jobID, Error: err.Error()},
	})
}
