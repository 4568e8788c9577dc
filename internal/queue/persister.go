package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type persistOp struct {
	name string
	job  string
	fn   func(ctx context.Context) error
}

// persister runs persistence writes in submission order on one goroutine so
// that a later write for a job never lands before an earlier one. The queue
// is unbounded; enqueue never blocks the caller.
type persister struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	ops     []persistOp
	wake    chan struct{}
	idle    *sync.Cond
	running bool
	stopped bool
}

func newPersister(timeout time.Duration, logger *slog.Logger) *persister {
	p := &persister{
		timeout: timeout,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *persister) enqueue(op persistOp) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.logger.Warn("Dropping persistence write after shutdown", "op", op.name, "jobId", op.job)
		return
	}
	p.ops = append(p.ops, op)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run executes queued operations until ctx is done, then drains what is
// left. Operations enqueued afterwards are dropped; enqueue is called with
// the coordinator lock held and must never wait on storage.
func (p *persister) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			p.drain()
			return nil
		case <-p.wake:
			p.drain()
		}
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		if len(p.ops) == 0 {
			p.running = false
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		op := p.ops[0]
		p.ops = p.ops[1:]
		p.running = true
		p.mu.Unlock()

		p.exec(op)
	}
}

func (p *persister) exec(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := op.fn(ctx); err != nil {
		p.logger.Error("Persistence write failed", "op", op.name, "jobId", op.job, "error", err)
	}
}

// flush blocks until every operation enqueued before the call has run.
func (p *persister) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.ops) > 0 || p.running {
		p.idle.Wait()
	}
}
