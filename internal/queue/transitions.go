package queue

import (
	"context"
	"fmt"

	"coordinator/internal/job"
)

type outcome int

const (
	rejected  outcome = iota // current state is re-broadcast unchanged
	accepted                 // record replaced and broadcast
	heartbeat                // same worker re-announcing Running
	unknown                  // job not held locally
)

func (o outcome) String() string {
	switch o {
	case accepted:
		return "accepted"
	case heartbeat:
		return "heartbeat"
	case unknown:
		return "unknown"
	default:
		return "rejected"
	}
}

// decision is the result of checking a state change against the current
// record of its job.
type decision struct {
	outcome outcome
	// record is the new record when accepted. When a Queued resubmission of
	// an in-flight job carries the same hashed content with other fields
	// changed (callback, signed input URLs), record is the current record
	// with that definition and outcome stays rejected.
	record  *job.Record
	anomaly string
}

// decide applies the transition rules of the job state machine. It is pure:
// cur is never modified.
func decide(cur *job.Record, change job.StateChange) decision {
	if change.State == job.StateQueued {
		return decideQueued(cur, change)
	}
	if cur == nil {
		return decision{outcome: unknown}
	}

	last := cur.Last()
	switch change.State {
	case job.StateFinished:
		if cur.State == job.StateFinished {
			return decision{outcome: rejected}
		}
		return decision{outcome: accepted, record: cur.With(change)}

	case job.StateReQueued:
		switch cur.State {
		case job.StateQueued:
			return decision{outcome: accepted, record: cur.With(change)}
		case job.StateReQueued:
			if change.Time().Before(last.Time()) {
				return decision{outcome: accepted, record: cur.WithLastReplaced(change)}
			}
			return decision{outcome: rejected}
		case job.StateRunning:
			return decision{
				outcome: accepted,
				record:  cur.WithLastReplaced(change),
				anomaly: fmt.Sprintf("worker %s requeued a job it had claimed", last.Worker()),
			}
		default:
			return decision{outcome: rejected}
		}

	case job.StateRunning:
		switch cur.State {
		case job.StateQueued, job.StateReQueued:
			return decision{outcome: accepted, record: cur.With(change)}
		case job.StateRunning:
			current, incoming := last.Worker(), change.Worker()
			if current == incoming {
				return decision{outcome: heartbeat}
			}
			if job.PreferredWorker(current, incoming) == incoming {
				return decision{outcome: accepted, record: cur.WithLastReplaced(change)}
			}
			return decision{outcome: rejected}
		default:
			return decision{outcome: rejected}
		}
	}
	return decision{outcome: rejected}
}

func decideQueued(cur *job.Record, change job.StateChange) decision {
	if cur == nil {
		return decision{outcome: accepted, record: job.NewRecord(change)}
	}

	incoming, _ := change.Value.(job.QueuedValue)
	if incoming.Definition.Hash() != cur.Definition().Hash() {
		return decision{outcome: rejected, anomaly: "resubmission carries a different definition than the job id it names"}
	}

	if cur.State != job.StateFinished {
		if !job.SameDefinition(cur.Definition(), incoming.Definition) {
			return decision{outcome: rejected, record: cur.WithDefinition(incoming.Definition)}
		}
		return decision{outcome: rejected}
	}

	fin, _ := cur.Finished()
	switch fin.Reason {
	case job.ReasonCancelled:
		return decision{outcome: accepted, record: job.NewRecord(change)}
	case job.ReasonWorkerLost:
		return decision{
			outcome: accepted,
			record:  cur.With(change),
			anomaly: "job finished with WorkerLost was queued again",
		}
	default:
		return decision{outcome: rejected}
	}
}

// Result reports how a state change was handled.
type Result struct {
	Accepted bool
	Record   *job.Record // current record after handling, nil if unknown
}

// Apply runs a state change through the state machine. Accepted changes are
// broadcast to local sockets and peers and then persisted asynchronously.
// Rejected changes re-broadcast the current record instead. A non-Queued
// change for a job not held in memory triggers a background load of the
// job from persistence, after which the change is applied again.
func (c *Coordinator) Apply(ctx context.Context, change job.StateChange) (Result, error) {
	if err := change.Validate(); err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	cur := c.jobs[change.Job]
	d := decide(cur, change)
	logger := c.logger.With("jobId", change.Job, "state", change.State, "tag", change.Tag)

	if d.outcome == unknown {
		c.fetchThenApply(change)
		c.mu.Unlock()
		logger.Debug("State change for unknown job, loading from persistence")
		return Result{}, nil
	}

	c.lastUsed = c.now()
	if d.anomaly != "" {
		logger.Warn("Unexpected transition", "from", cur.State, "outcome", d.outcome, "detail", d.anomaly)
	}

	if d.outcome != accepted {
		current := cur
		if d.record != nil {
			current = d.record
			c.jobs[current.Hash] = current
			c.persistRecord(current)
			logger.Debug("Definition refreshed from resubmission")
		}
		c.pushUpdates(current)
		c.mu.Unlock()

		c.metrics.RecordTransition(ctx, c.queue, string(change.State), false)
		if d.outcome == rejected {
			logger.Debug("Transition rejected", "current", current.State)
		}
		c.publishRecords(ctx, current)
		return Result{Accepted: false, Record: current}, nil
	}

	next := d.record
	c.install(ctx, next)
	c.pushUpdates(next)
	c.persistRecord(next)
	c.mu.Unlock()

	c.metrics.RecordTransition(ctx, c.queue, string(change.State), true)
	if fin, ok := next.Finished(); ok {
		c.metrics.RecordJobFinished(ctx, c.queue, string(fin.Reason), fin.Time.Sub(next.QueuedAt()).Seconds())
	}
	logger.Info("Transition accepted", "from", stateOf(cur), "historyLength", len(next.History))

	c.publishRecords(ctx, next)
	if c.notifier != nil {
		c.notifier.Notify(ctx, c.queue, next)
	}
	return Result{Accepted: true, Record: next}, nil
}

func stateOf(rec *job.Record) job.State {
	if rec == nil {
		return ""
	}
	return rec.State
}

// persistRecord queues the write for rec. Finished records are copied to
// the result cache and stay in the live store until the delayed removal, so
// a coordinator starting in the meantime still loads them. Callers hold mu.
func (c *Coordinator) persistRecord(rec *job.Record) {
	if rec.State.Terminal() {
		c.persist.enqueue(persistOp{name: "cache_put", job: rec.Hash, fn: func(ctx context.Context) error {
			if err := c.gw.CachePut(ctx, rec); err != nil {
				return err
			}
			return c.gw.Put(ctx, c.queue, rec)
		}})
		return
	}
	c.persist.enqueue(persistOp{name: "put", job: rec.Hash, fn: func(ctx context.Context) error {
		return c.gw.Put(ctx, c.queue, rec)
	}})
}
