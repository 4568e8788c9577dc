package queue

import (
	"context"

	"coordinator/internal/job"
)

// ResolveNamespaces keeps only the most recently queued unfinished job of
// every namespace. An older job is finished as superseded when it is still
// within the grace window or when it was queued more than a grace window
// before the newest one.
func (c *Coordinator) ResolveNamespaces(ctx context.Context) {
	now := c.now()
	grace := c.cfg.SupersedeGrace

	c.mu.Lock()
	groups := make(map[string][]*job.Record)
	for _, rec := range c.jobs {
		if rec.State.Terminal() {
			continue
		}
		if ns := rec.Namespace(); ns != "" {
			groups[ns] = append(groups[ns], rec)
		}
	}
	c.mu.Unlock()

	var superseded []job.StateChange
	for ns, recs := range groups {
		if len(recs) < 2 {
			continue
		}
		newest := recs[0]
		for _, rec := range recs[1:] {
			if newer(rec, newest) {
				newest = rec
			}
		}

		newestAt := newest.QueuedAt()
		for _, rec := range recs {
			if rec == newest {
				continue
			}
			queuedAt := rec.QueuedAt()
			if now.Sub(queuedAt) < grace || newestAt.Sub(queuedAt) > grace {
				c.logger.Info("Superseding job", "jobId", rec.Hash, "namespace", ns, "newest", newest.Hash)
				superseded = append(superseded, job.NewStateChange(rec.Hash, c.instance, job.FinishedValue{
					Reason:  job.ReasonCancelled,
					Worker:  rec.Worker(),
					Message: job.SupersededMessage,
					Time:    now,
				}))
			}
		}
	}

	finished := 0
	for _, change := range superseded {
		res, err := c.Apply(ctx, change)
		if err != nil {
			c.logger.Error("Failed to supersede job", "jobId", change.Job, "error", err)
			continue
		}
		if res.Accepted {
			finished++
		}
	}
	if finished > 0 {
		c.metrics.RecordSuperseded(ctx, c.queue, finished)
	}
}

// newer reports whether a was queued after b. Ties go to the larger id.
func newer(a, b *job.Record) bool {
	at, bt := a.QueuedAt(), b.QueuedAt()
	if at.Equal(bt) {
		return a.Hash > b.Hash
	}
	return at.After(bt)
}
