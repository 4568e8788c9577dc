package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"coordinator/internal/apperrors"
	"coordinator/internal/job"
)

// Breaker states
const (
	BreakerClosed   = "closed"    // calls pass through
	BreakerOpen     = "open"      // calls fail fast
	BreakerHalfOpen = "half-open" // one probe call allowed
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // time spent open before probing (default: 10s)
	Now       func() time.Time
}

// ErrorRecorder is an optional sink for failed backend calls.
type ErrorRecorder interface {
	RecordPersistenceError(ctx context.Context, op string)
}

// Guard wraps a Gateway with a circuit breaker. After Threshold consecutive
// backend failures it fails every call with apperrors.ErrUnavailable until
// Cooldown has passed, then lets a single probe through. Not-found results
// count as successes.
type Guard struct {
	next    Gateway
	cfg     GuardConfig
	metrics ErrorRecorder
	logger  *slog.Logger

	mu          sync.Mutex
	state       string
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewGuard wraps next. metrics may be nil.
func NewGuard(next Gateway, cfg GuardConfig, metrics ErrorRecorder) *Guard {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		next:    next,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.With("component", "persistence"),
		state:   BreakerClosed,
	}
}

// State returns the breaker state.
func (g *Guard) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case BreakerOpen:
		if g.cfg.Now().Sub(g.lastFailure) < g.cfg.Cooldown {
			return false
		}
		g.state = BreakerHalfOpen
		g.probing = true
		return true
	case BreakerHalfOpen:
		if g.probing {
			return false
		}
		g.probing = true
		return true
	default:
		return true
	}
}

func (g *Guard) record(ctx context.Context, op string, err error) {
	failed := err != nil && !errors.Is(err, apperrors.ErrNotFound) && !errors.Is(err, apperrors.ErrValidation)

	g.mu.Lock()
	prev := g.state
	g.probing = false
	if !failed {
		g.failures = 0
		g.state = BreakerClosed
	} else {
		g.failures++
		g.lastFailure = g.cfg.Now()
		if g.state == BreakerHalfOpen || g.failures >= g.cfg.Threshold {
			g.state = BreakerOpen
		}
	}
	next := g.state
	g.mu.Unlock()

	if failed && g.metrics != nil {
		g.metrics.RecordPersistenceError(ctx, op)
	}
	if prev != next {
		g.logger.Warn("Persistence breaker changed state", "from", prev, "to", next, "op", op)
	}
}

func (g *Guard) do(ctx context.Context, op string, fn func() error) error {
	if !g.allow() {
		return apperrors.Unavailable("persistence."+op, "circuit open")
	}
	err := fn()
	g.record(ctx, op, err)
	return err
}

func (g *Guard) Put(ctx context.Context, queue string, rec *job.Record) error {
	return g.do(ctx, "put", func() error { return g.next.Put(ctx, queue, rec) })
}

func (g *Guard) Get(ctx context.Context, queue, jobID string) (rec *job.Record, err error) {
	err = g.do(ctx, "get", func() error {
		rec, err = g.next.Get(ctx, queue, jobID)
		return err
	})
	return rec, err
}

func (g *Guard) Delete(ctx context.Context, queue, jobID string) error {
	return g.do(ctx, "delete", func() error { return g.next.Delete(ctx, queue, jobID) })
}

func (g *Guard) ListAll(ctx context.Context, queue string) (recs []*job.Record, err error) {
	err = g.do(ctx, "list", func() error {
		recs, err = g.next.ListAll(ctx, queue)
		return err
	})
	return recs, err
}

func (g *Guard) CachePut(ctx context.Context, rec *job.Record) error {
	return g.do(ctx, "cache_put", func() error { return g.next.CachePut(ctx, rec) })
}

func (g *Guard) CacheGet(ctx context.Context, jobID string) (rec *job.Record, err error) {
	err = g.do(ctx, "cache_get", func() error {
		rec, err = g.next.CacheGet(ctx, jobID)
		return err
	})
	return rec, err
}

func (g *Guard) CacheDelete(ctx context.Context, jobID string) error {
	return g.do(ctx, "cache_delete", func() error { return g.next.CacheDelete(ctx, jobID) })
}

// Ping bypasses the breaker so readiness reflects the backend itself.
func (g *Guard) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}

func (g *Guard) Close() error {
	return g.next.Close()
}

var _ Gateway = (*Guard)(nil)
