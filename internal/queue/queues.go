package queue

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"coordinator/internal/apperrors"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateQueueName checks a queue address.
func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return apperrors.Validation("queue", "queue must be 1-128 characters of letters, digits, '.', '_' or '-'")
	}
	return nil
}

// Queues holds the coordinator of every active queue in this process.
// Coordinators are created on first use and disposed once idle.
type Queues struct {
	cfg    Config
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Coordinator
	closed bool
}

// NewQueues creates an empty registry. Every coordinator it creates shares
// cfg and opts.
func NewQueues(cfg Config, opts Options) *Queues {
	return &Queues{
		cfg:    cfg.withDefaults(),
		opts:   opts,
		logger: slog.With("component", "queues"),
		active: make(map[string]*Coordinator),
	}
}

// Get returns the coordinator of a queue, creating and starting it if needed.
func (q *Queues) Get(ctx context.Context, name string) (*Coordinator, error) {
	if err := ValidateQueueName(name); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, apperrors.Unavailable("queues.get", "shutting down")
	}
	if c, ok := q.active[name]; ok {
		c.touch()
		return c, nil
	}

	c, err := New(name, q.cfg, q.opts)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, apperrors.Internal("queues.start", err)
	}
	q.active[name] = c
	q.logger.Info("Queue activated", "queue", name, "active", len(q.active))
	return c, nil
}

// Lookup returns the coordinator of a queue without creating it.
func (q *Queues) Lookup(name string) (*Coordinator, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.active[name]
	return c, ok
}

// Names returns the active queue addresses in sorted order.
func (q *Queues) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Sorted(maps.Keys(q.active))
}

// Run disposes idle coordinators until ctx is done.
func (q *Queues) Run(ctx context.Context) error {
	interval := max(q.cfg.IdleTimeout/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.DisposeIdle(ctx)
		}
	}
}

// DisposeIdle closes every coordinator without sockets or unfinished jobs
// that has not been used for IdleTimeout. It returns the disposed queues.
func (q *Queues) DisposeIdle(ctx context.Context) []string {
	now := time.Now
	if q.opts.Now != nil {
		now = q.opts.Now
	}
	cutoff := now().Add(-q.cfg.IdleTimeout)

	var idle []*Coordinator
	q.mu.Lock()
	for name, c := range q.active {
		if c.idle(cutoff) {
			idle = append(idle, c)
			delete(q.active, name)
		}
	}
	q.mu.Unlock()

	names := make([]string, 0, len(idle))
	for _, c := range idle {
		if err := c.Close(ctx); err != nil {
			q.logger.Warn("Failed to close idle queue", "queue", c.Queue(), "error", err)
		}
		names = append(names, c.Queue())
	}
	if len(names) > 0 {
		slices.Sort(names)
		q.logger.Info("Idle queues disposed", "queues", names)
	}
	return names
}

// Close closes every coordinator. Get fails afterwards.
func (q *Queues) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	all := slices.Collect(maps.Values(q.active))
	clear(q.active)
	q.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
