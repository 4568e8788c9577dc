// Package queue implements the per-queue coordinator: the in-memory job
// table, the job state machine, reconciliation with peer coordinators over
// the broadcast bus, worker liveness and the periodic sweeps.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"coordinator/internal/bus"
	"coordinator/internal/job"
	"coordinator/internal/persistence"
	"coordinator/internal/protocol"
	"coordinator/internal/registry"

	"golang.org/x/sync/errgroup"
)

// Conn is an attached client or worker socket. Send must not block; a
// transport that cannot keep up should drop or disconnect.
type Conn interface {
	ID() string
	Send(msg protocol.Outbound) error
}

// Notifier is told about every accepted transition, e.g. to deliver webhooks.
type Notifier interface {
	Notify(ctx context.Context, queue string, rec *job.Record)
}

// Metrics is the subset of observability used by a coordinator.
type Metrics interface {
	RecordTransition(ctx context.Context, queue, state string, accepted bool)
	RecordJobsActive(ctx context.Context, queue string, delta int64)
	RecordJobFinished(ctx context.Context, queue, reason string, durationSeconds float64)
	RecordRequeued(ctx context.Context, queue string, n int)
	RecordSuperseded(ctx context.Context, queue string, n int)
	RecordWorkers(ctx context.Context, queue string, delta int64)
}

// Options are the collaborators of a coordinator. Gateway, Bus and Instance
// are required.
type Options struct {
	Instance string // peer id of this coordinator process
	Gateway  persistence.Gateway
	Bus      bus.Bus
	Notifier Notifier         // optional
	Metrics  Metrics          // optional
	Now      func() time.Time // optional, defaults to time.Now
}

// Coordinator owns the job table of one queue. All mutations of the table
// happen under mu; network and persistence I/O happen outside it.
type Coordinator struct {
	queue    string
	instance string
	cfg      Config
	gw       persistence.Gateway
	bus      bus.Bus
	notifier Notifier
	metrics  Metrics
	now      func() time.Time
	logger   *slog.Logger

	workers   *registry.Registry
	persist   *persister
	startedAt time.Time

	mu       sync.Mutex
	jobs     map[string]*job.Record
	conns    map[string]Conn
	removals map[string]*time.Timer
	fetching map[string][]job.StateChange // changes waiting on a persistence load
	disputed map[string]job.State         // state a peer reported for a job being refreshed
	lastUsed time.Time

	statusMu sync.Mutex
	pending  map[string]chan protocol.InstanceStatus

	fetches sync.WaitGroup
	sub     bus.Subscription
	cancel  context.CancelFunc
	group   *errgroup.Group
	closed  bool
}

// New creates a coordinator for queue. Call Start before use.
func New(queue string, cfg Config, opts Options) (*Coordinator, error) {
	if opts.Gateway == nil || opts.Bus == nil {
		return nil, errors.New("queue coordinator requires a gateway and a bus")
	}
	if opts.Instance == "" {
		return nil, errors.New("queue coordinator requires an instance id")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	cfg = cfg.withDefaults()
	logger := slog.With("component", "queue", "queue", queue)
	now := opts.Now()

	return &Coordinator{
		queue:     queue,
		instance:  opts.Instance,
		cfg:       cfg,
		gw:        opts.Gateway,
		bus:       opts.Bus,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    logger,
		workers:   registry.New(cfg.LivenessWindow),
		persist:   newPersister(cfg.PersistTimeout, logger),
		startedAt: now,
		jobs:      make(map[string]*job.Record),
		conns:     make(map[string]Conn),
		removals:  make(map[string]*time.Timer),
		fetching:  make(map[string][]job.StateChange),
		disputed:  make(map[string]job.State),
		lastUsed:  now,
		pending:   make(map[string]chan protocol.InstanceStatus),
	}, nil
}

// Queue returns the queue address.
func (c *Coordinator) Queue() string { return c.queue }

// Start loads persisted records, joins the bus and launches the background
// tasks. The tasks stop when Close is called.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		return err
	}

	sub, err := c.bus.Subscribe(c.queue, c.HandleBusMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe queue %s: %w", c.queue, err)
	}
	c.sub = sub

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = g

	g.Go(func() error { return c.persist.run(gctx) })
	g.Go(func() error { return c.every(gctx, c.cfg.WorkerSweepInterval, c.SweepWorkers) })
	g.Go(func() error { return c.every(gctx, c.cfg.MinimalBroadcastInterval, c.BroadcastMinimal) })
	g.Go(func() error { return c.every(gctx, c.cfg.NamespaceSweepInterval, c.ResolveNamespaces) })

	c.logger.Info("Queue coordinator started", "jobs", c.JobCount())
	return nil
}

// every runs fn on a fixed interval until ctx is done.
func (c *Coordinator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.guard(ctx, "task", fn)
		}
	}
}

// guard runs fn and logs instead of propagating a panic.
func (c *Coordinator) guard(ctx context.Context, what string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic", "in", what, "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx)
}

// load rebuilds the job table from the live queue store.
func (c *Coordinator) load(ctx context.Context) error {
	recs, err := c.gw.ListAll(ctx, c.queue)
	if err != nil {
		return fmt.Errorf("failed to load queue %s: %w", c.queue, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		c.install(ctx, job.Resolve(c.jobs[rec.Hash], rec))
	}
	return nil
}

// Close stops background tasks, leaves the bus and waits for pending
// persistence writes.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, t := range c.removals {
		t.Stop()
		delete(c.removals, id)
	}
	c.mu.Unlock()

	if c.sub != nil {
		c.sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		c.fetches.Wait()
		if c.cancel != nil {
			c.cancel()
			c.group.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Queue coordinator stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("Queue coordinator shutdown timed out")
		return ctx.Err()
	}
}

// Flush waits for in-flight persistence reads and writes started so far.
func (c *Coordinator) Flush() {
	c.fetches.Wait()
	c.persist.flush()
}

// Connect attaches a socket and sends it the full job table and roster.
func (c *Coordinator) Connect(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conns[conn.ID()] = conn
	c.lastUsed = c.now()
	c.sendTo(conn, protocol.Outbound{
		Type:    protocol.OutJobStates,
		Payload: protocol.JobStates{State: maps.Clone(c.jobs), IsSubset: false},
	})
	c.sendTo(conn, c.workersMessage())
}

// Disconnect detaches a socket and drops every worker it carried.
func (c *Coordinator) Disconnect(ctx context.Context, conn Conn) {
	removed := c.workers.Unregister(conn.ID())

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.conns, conn.ID())
	c.lastUsed = c.now()
	if len(removed) > 0 {
		c.metrics.RecordWorkers(ctx, c.queue, -int64(len(removed)))
		c.logger.Info("Workers disconnected", "workers", removed)
		c.broadcastLocal(c.workersMessage())
	}
}

// Record returns the in-memory record of a job.
func (c *Coordinator) Record(jobID string) (*job.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.jobs[jobID]
	return rec, ok
}

// Snapshot returns the in-memory job table. Records are immutable.
func (c *Coordinator) Snapshot() map[string]*job.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.jobs)
}

// JobCount returns the number of jobs held in memory.
func (c *Coordinator) JobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Workers returns the worker registry of this queue.
func (c *Coordinator) Workers() *registry.Registry { return c.workers }

// idle reports whether the coordinator has no sockets, no unfinished jobs
// and has not been used since cutoff.
func (c *Coordinator) idle(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.conns) > 0 || c.lastUsed.After(cutoff) {
		return false
	}
	for _, rec := range c.jobs {
		if !rec.State.Terminal() {
			return false
		}
	}
	return true
}

func (c *Coordinator) touch() {
	c.mu.Lock()
	c.lastUsed = c.now()
	c.mu.Unlock()
}

// install stores rec and keeps removal timers and gauges in step with it.
// Callers hold mu.
func (c *Coordinator) install(ctx context.Context, rec *job.Record) {
	prev := c.jobs[rec.Hash]
	c.jobs[rec.Hash] = rec

	wasActive := prev != nil && !prev.State.Terminal()
	isActive := !rec.State.Terminal()
	switch {
	case isActive && !wasActive:
		c.metrics.RecordJobsActive(ctx, c.queue, 1)
	case !isActive && wasActive:
		c.metrics.RecordJobsActive(ctx, c.queue, -1)
	}

	if rec.State.Terminal() {
		c.scheduleRemoval(rec.Hash)
	} else if t, ok := c.removals[rec.Hash]; ok {
		t.Stop()
		delete(c.removals, rec.Hash)
	}
}

// forget drops a job from memory. Callers hold mu.
func (c *Coordinator) forget(ctx context.Context, jobID string) {
	rec, ok := c.jobs[jobID]
	if !ok {
		return
	}
	delete(c.jobs, jobID)
	if t, ok := c.removals[jobID]; ok {
		t.Stop()
		delete(c.removals, jobID)
	}
	if !rec.State.Terminal() {
		c.metrics.RecordJobsActive(ctx, c.queue, -1)
	}
}

// scheduleRemoval drops a finished job from memory and the live store after
// FinishedRemovalDelay. Its result stays available from the cache. Callers
// hold mu.
func (c *Coordinator) scheduleRemoval(jobID string) {
	if _, ok := c.removals[jobID]; ok || c.closed {
		return
	}
	c.removals[jobID] = time.AfterFunc(c.cfg.FinishedRemovalDelay, func() {
		c.removeFinished(jobID)
	})
}

func (c *Coordinator) removeFinished(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.removals, jobID)
	rec, ok := c.jobs[jobID]
	if !ok || !rec.State.Terminal() {
		return
	}
	delete(c.jobs, jobID)
	c.persist.enqueue(persistOp{name: "delete", job: jobID, fn: func(ctx context.Context) error {
		return c.gw.Delete(ctx, c.queue, jobID)
	}})
	c.logger.Debug("Finished job removed from memory", "jobId", jobID)
}

// sendTo delivers one message to one socket. Callers hold mu.
func (c *Coordinator) sendTo(conn Conn, msg protocol.Outbound) {
	if err := conn.Send(msg); err != nil {
		c.logger.Debug("Send to socket failed", "conn", conn.ID(), "type", msg.Type, "error", err)
	}
}

// broadcastLocal delivers msg to every attached socket. Callers hold mu.
func (c *Coordinator) broadcastLocal(msg protocol.Outbound) {
	for _, conn := range c.conns {
		c.sendTo(conn, msg)
	}
}

// pushUpdates sends changed records to every attached socket. Callers hold mu.
func (c *Coordinator) pushUpdates(recs ...*job.Record) {
	if len(recs) == 0 {
		return
	}
	state := make(map[string]*job.Record, len(recs))
	for _, r := range recs {
		state[r.Hash] = r
	}
	c.broadcastLocal(protocol.Outbound{
		Type:    protocol.OutJobStateUpdates,
		Payload: protocol.JobStates{State: state, IsSubset: true},
	})
}

// publish sends a message to peer coordinators. Failures are logged only;
// the periodic minimal broadcast repairs missed updates.
func (c *Coordinator) publish(ctx context.Context, kind protocol.Kind, payload any) {
	msg, err := protocol.NewBusMessage(kind, c.instance, c.queue, payload)
	if err != nil {
		c.logger.Error("Failed to encode bus message", "kind", kind, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, c.queue, msg); err != nil {
		c.logger.Warn("Bus publish failed", "kind", kind, "error", err)
	}
}

// publishRecords sends full records to peers.
func (c *Coordinator) publishRecords(ctx context.Context, recs ...*job.Record) {
	if len(recs) == 0 {
		return
	}
	records := make(map[string]*job.Record, len(recs))
	for _, r := range recs {
		records[r.Hash] = r
	}
	c.publish(ctx, protocol.KindJobStates, protocol.JobStatesMessage{Records: records})
}

type noopMetrics struct{}

func (noopMetrics) RecordTransition(context.Context, string, string, bool)     {}
func (noopMetrics) RecordJobsActive(context.Context, string, int64)            {}
func (noopMetrics) RecordJobFinished(context.Context, string, string, float64) {}
func (noopMetrics) RecordRequeued(context.Context, string, int)                {}
func (noopMetrics) RecordSuperseded(context.Context, string, int)              {}
func (noopMetrics) RecordWorkers(context.Context, string, int64)               {}
