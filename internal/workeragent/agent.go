// Package workeragent connects a worker host to a coordinator queue. It
// registers the worker, claims queued jobs that fit the host, runs them
// through an executor and reports how they finished.
package workeragent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"coordinator/internal/executor"
	"coordinator/internal/job"
	"coordinator/internal/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
	killTimeout  = 30 * time.Second
)

var errSessionClosed = errors.New("coordinator closed the connection")

// run tracks one job executing on this host.
type run struct {
	abandoned bool // result must not be reported
}

// Agent serves one queue on behalf of one worker.
type Agent struct {
	cfg    Config
	exec   executor.Executor
	dialer *websocket.Dialer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	out     chan []byte                // current session outbox, nil while disconnected
	claims  map[string]time.Time       // unconfirmed claims and when they expire
	running map[string]*run            // jobs executing here
	reports map[string]job.StateChange // Finished changes not yet seen acknowledged
	jobs    sync.WaitGroup
}

// New creates an agent that runs jobs with exec.
func New(cfg Config, exec executor.Executor) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:  cfg,
		exec: exec,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:  slog.With("component", "worker-agent", "worker", cfg.WorkerID, "queue", cfg.Queue),
		now:     time.Now,
		claims:  make(map[string]time.Time),
		running: make(map[string]*run),
		reports: make(map[string]job.StateChange),
	}
}

// ID returns the worker id the agent registers with.
func (a *Agent) ID() string { return a.cfg.WorkerID }

// Run keeps a session with the coordinator open until ctx is cancelled,
// reconnecting with exponential backoff. On return every job started by
// the agent has stopped. Jobs interrupted by shutdown are not reported;
// coordinators requeue them once the worker stops heartbeating.
func (a *Agent) Run(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = a.cfg.ReconnectMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if connected {
			exp.Reset()
		}
		if err == nil {
			err = errSessionClosed
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("Coordinator session ended, reconnecting", "in", next, "error", err)
		}),
	)

	a.jobs.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one websocket connection. It reports whether the dial
// succeeded, so the caller can reset its backoff.
func (a *Agent) session(ctx context.Context) (bool, error) {
	target, err := a.socketURL()
	if err != nil {
		return false, backoff.Permanent(err)
	}

	header := http.Header{}
	if a.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	conn, resp, err := a.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, backoff.Permanent(fmt.Errorf("coordinator rejected credentials: %w", err))
		}
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	a.logger.Info("Connected to coordinator", "host", redactURL(target))

	out := make(chan []byte, outboxSize)
	a.attach(out)
	defer a.detach(out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.readLoop(gctx, ctx, conn) })
	g.Go(func() error { return a.writeLoop(gctx, conn, out) })
	g.Go(func() error { return a.heartbeat(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	return true, g.Wait()
}

func (a *Agent) socketURL() (string, error) {
	base, err := url.Parse(a.cfg.CoordinatorURL)
	if err != nil {
		return "", fmt.Errorf("invalid coordinator url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported coordinator url scheme %q", base.Scheme)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/v1/queues/" + url.PathEscape(a.cfg.Queue) + "/ws"
	return base.String(), nil
}

// readLoop handles coordinator messages until the session ends. Jobs are
// started on jobCtx so they outlive a reconnect.
func (a *Agent) readLoop(ctx, jobCtx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errSessionClosed
			}
			return fmt.Errorf("read failed: %w", err)
		}
		if string(data) == protocol.Pong {
			continue
		}

		typ, payload, err := protocol.DecodeOutbound(data)
		if err != nil {
			a.logger.Debug("Ignoring coordinator message", "type", typ, "error", err)
			continue
		}
		switch typ {
		case protocol.OutJobStates, protocol.OutJobStateUpdates:
			a.onStates(jobCtx, payload.(*protocol.JobStates).State)
		case protocol.OutJobStatusPayload:
			if p := payload.(*protocol.JobStatusPayload); p.Error != "" {
				a.logger.Warn("Coordinator reported an error", "jobId", p.Job, "error", p.Error)
			}
		}
	}
}

func (a *Agent) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker stopping"),
				time.Now().Add(time.Second))
			return ctx.Err()
		case frame := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
		}
	}
}

// heartbeat registers the worker at once and then every
// RegistrationInterval. Each tick also pings the coordinator, expires stale
// claims and re-sends unacknowledged results.
func (a *Agent) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.RegistrationInterval)
	defer ticker.Stop()

	for {
		a.register()
		a.expireClaims()
		a.resendReports()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.enqueue([]byte(protocol.Ping))
		}
	}
}

func (a *Agent) register() {
	reg := protocol.WorkerRegistration{
		ID:   a.cfg.WorkerID,
		CPUs: a.cfg.CPUs,
		GPUs: a.cfg.GPUs,
		Time: a.now(),
	}
	if a.cfg.MaxJobDuration > 0 {
		reg.MaxJobDuration = a.cfg.MaxJobDuration.String()
	}
	a.send(protocol.InWorkerRegistration, reg)
}

func (a *Agent) attach(out chan []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = out
}

func (a *Agent) detach(out chan []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == out {
		a.out = nil
	}
	clear(a.claims)
}

// send encodes a message for the current session. Messages produced while
// disconnected are dropped; results survive in reports.
func (a *Agent) send(t protocol.InboundType, payload any) {
	msg, err := protocol.NewInbound(t, payload)
	if err != nil {
		a.logger.Error("Failed to encode message", "type", t, "error", err)
		return
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("Failed to encode message", "type", t, "error", err)
		return
	}
	a.enqueue(frame)
}

func (a *Agent) enqueue(frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return
	}
	select {
	case a.out <- frame:
	default:
		a.logger.Warn("Outbox full, message dropped")
	}
}

// onStates reacts to records pushed by the coordinator, oldest submission
// first so that claims follow queue order.
func (a *Agent) onStates(ctx context.Context, states map[string]*job.Record) {
	recs := make([]*job.Record, 0, len(states))
	for _, rec := range states {
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	slices.SortFunc(recs, func(x, y *job.Record) int {
		if c := x.QueuedAt().Compare(y.QueuedAt()); c != 0 {
			return c
		}
		return strings.Compare(x.Hash, y.Hash)
	})

	for _, rec := range recs {
		switch rec.State {
		case job.StateQueued, job.StateReQueued:
			a.maybeClaim(rec)
		case job.StateRunning:
			if rec.Worker() == a.cfg.WorkerID {
				a.start(ctx, rec)
			} else {
				a.abandon(rec.Hash, "claimed by "+rec.Worker())
			}
		case job.StateFinished:
			a.mu.Lock()
			delete(a.reports, rec.Hash)
			delete(a.claims, rec.Hash)
			a.mu.Unlock()
			a.abandon(rec.Hash, "finished elsewhere")
		}
	}
}

// fits reports whether the host can take def.
func (a *Agent) fits(def job.Definition) bool {
	return def.CPU <= float64(a.cfg.CPUs) && def.GPU <= a.cfg.GPUs
}

func (a *Agent) maybeClaim(rec *job.Record) {
	a.mu.Lock()
	if _, ok := a.claims[rec.Hash]; ok {
		a.mu.Unlock()
		return
	}
	if _, ok := a.running[rec.Hash]; ok {
		a.mu.Unlock()
		return
	}
	if len(a.claims)+len(a.running) >= a.cfg.Concurrency || !a.fits(rec.Definition()) {
		a.mu.Unlock()
		return
	}
	a.claims[rec.Hash] = a.now().Add(a.cfg.ClaimTimeout)
	a.mu.Unlock()

	a.logger.Debug("Claiming job", "jobId", rec.Hash)
	a.send(protocol.InStateChange, job.NewStateChange(rec.Hash, a.cfg.WorkerID,
		job.RunningValue{Worker: a.cfg.WorkerID, Time: a.now()}))
}

func (a *Agent) expireClaims() {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, expiry := range a.claims {
		if now.After(expiry) {
			delete(a.claims, id)
		}
	}
}

// start runs a job the coordinator assigned to this worker. A job assigned
// while no slot is free is handed back.
func (a *Agent) start(ctx context.Context, rec *job.Record) {
	a.mu.Lock()
	if _, ok := a.running[rec.Hash]; ok {
		a.mu.Unlock()
		return
	}
	if _, ok := a.reports[rec.Hash]; ok {
		a.mu.Unlock()
		return
	}
	_, claimed := a.claims[rec.Hash]
	if !claimed && len(a.claims)+len(a.running) >= a.cfg.Concurrency {
		a.mu.Unlock()
		a.logger.Warn("Assigned job without a free slot, requeueing", "jobId", rec.Hash)
		a.send(protocol.InStateChange, job.NewStateChange(rec.Hash, a.cfg.WorkerID,
			job.ReQueuedValue{Worker: a.cfg.WorkerID, Time: a.now()}))
		return
	}
	delete(a.claims, rec.Hash)
	a.running[rec.Hash] = &run{}
	a.jobs.Add(1)
	a.mu.Unlock()

	go a.execute(ctx, rec.Hash, rec.Definition())
}

func (a *Agent) execute(ctx context.Context, jobID string, def job.Definition) {
	defer a.jobs.Done()
	logger := a.logger.With("jobId", jobID)

	if limit := int(a.cfg.MaxJobDuration / time.Second); limit > 0 && (def.TimeoutSeconds <= 0 || def.TimeoutSeconds > limit) {
		def.TimeoutSeconds = limit
	}

	logger.Info("Job started", "image", def.Image)
	outcome, err := a.exec.Run(ctx, jobID, def, func(_ string, lines []string) {
		a.send(protocol.InJobStatusLogs, protocol.JobStatusLogs{Job: jobID, Worker: a.cfg.WorkerID, Lines: lines})
	})

	a.mu.Lock()
	r := a.running[jobID]
	delete(a.running, jobID)
	a.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		logger.Info("Job interrupted by shutdown, not reporting")
		return
	case r != nil && r.abandoned:
		logger.Info("Job abandoned, not reporting", "exitCode", outcome.ExitCode)
		return
	case errors.Is(err, executor.ErrAlreadyRunning):
		logger.Warn("Job already executing on this host")
		return
	}

	fin := job.FinishedValue{Worker: a.cfg.WorkerID, Time: a.now()}
	if err != nil {
		fin.Reason = job.ReasonError
		fin.Message = err.Error()
		logger.Error("Job failed to run", "error", err)
	} else {
		fin.Reason = outcome.Reason()
		fin.Result = outcome.Result()
		logger.Info("Job finished", "reason", fin.Reason, "exitCode", outcome.ExitCode, "duration", outcome.Duration)
	}
	a.report(job.NewStateChange(jobID, a.cfg.WorkerID, fin))
}

// report sends a Finished change and keeps it until the coordinator shows
// the job finished.
func (a *Agent) report(change job.StateChange) {
	a.mu.Lock()
	a.reports[change.Job] = change
	a.mu.Unlock()
	a.send(protocol.InStateChange, change)
}

func (a *Agent) resendReports() {
	a.mu.Lock()
	pending := make([]job.StateChange, 0, len(a.reports))
	for _, change := range a.reports {
		pending = append(pending, change)
	}
	a.mu.Unlock()

	for _, change := range pending {
		a.send(protocol.InStateChange, change)
	}
}

// abandon stops a local run whose result no longer matters.
func (a *Agent) abandon(jobID, why string) {
	a.mu.Lock()
	delete(a.claims, jobID)
	r, ok := a.running[jobID]
	if !ok || r.abandoned {
		a.mu.Unlock()
		return
	}
	r.abandoned = true
	a.mu.Unlock()

	a.logger.Info("Stopping job", "jobId", jobID, "reason", why)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		if err := a.exec.Kill(ctx, jobID); err != nil {
			a.logger.Warn("Failed to stop job", "jobId", jobID, "error", err)
		}
	}()
}

// Stats reports the agent's local job counts.
func (a *Agent) Stats() (running, claimed, unreported int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running), len(a.claims), len(a.reports)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
