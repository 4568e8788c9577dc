package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"coordinator/internal/config"
	"coordinator/internal/protocol"
)

// MemoryConfig holds configuration for the in-memory bus.
type MemoryConfig struct {
	BufferSize int // pending deliveries (default: 4096)
	Workers    int // concurrent delivery goroutines (default: 4)
}

// LoadMemoryConfigFromEnv loads in-memory bus configuration from environment variables.
func LoadMemoryConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize: config.GetIntEnv("BUS_BUFFER_SIZE", 4096),
		Workers:    config.GetIntEnv("BUS_WORKERS", 4),
	}
	return cfg.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Stats holds in-memory bus statistics.
type Stats struct {
	QueueDepth int   // current buffer size
	Published  int64 // messages accepted
	Delivered  int64 // handler invocations
	Dropped    int64 // messages dropped on a full buffer
}

type delivery struct {
	queue string
	msg   protocol.BusMessage
}

type memorySub struct {
	bus   *Memory
	queue string
	id    uint64
	h     Handler
}

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.queue], s.id)
	if len(s.bus.subs[s.queue]) == 0 {
		delete(s.bus.subs, s.queue)
	}
}

// Memory is a process-local bus. Published messages are queued in a bounded
// channel and delivered by a worker pool; when the buffer is full the message
// is dropped, matching the at-most-once contract of the cross-process bus.
type Memory struct {
	queue   chan delivery
	logger  *slog.Logger
	metrics MetricsRecorder

	mu     sync.RWMutex
	subs   map[string]map[uint64]*memorySub
	nextID uint64

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory creates and starts an in-memory bus. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *Memory {
	cfg = cfg.withDefaults()

	b := &Memory{
		queue:    make(chan delivery, cfg.BufferSize),
		logger:   slog.With("component", "bus", "backend", BackendMemory),
		metrics:  metrics,
		subs:     make(map[string]map[uint64]*memorySub),
		shutdown: make(chan struct{}),
	}

	b.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go b.worker()
	}
	return b
}

// Publish queues msg for every subscriber of queue. It never blocks.
func (b *Memory) Publish(ctx context.Context, queue string, msg protocol.BusMessage) error {
	if b.closed.Load() {
		return ErrClosed
	}

	select {
	case b.queue <- delivery{queue: queue, msg: msg}:
		b.published.Add(1)
		if b.metrics != nil {
			b.metrics.RecordBusMessage(ctx, string(msg.Kind), "out")
		}
	default:
		b.dropped.Add(1)
		b.logger.Warn("Bus message dropped, buffer full", "queue", queue, "kind", msg.Kind)
	}
	return nil
}

// Subscribe registers h for queue.
func (b *Memory) Subscribe(queue string, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &memorySub{bus: b, queue: queue, id: b.nextID, h: h}
	if b.subs[queue] == nil {
		b.subs[queue] = make(map[uint64]*memorySub)
	}
	b.subs[queue][sub.id] = sub
	return sub, nil
}

func (b *Memory) Ping(context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Stats returns current bus statistics.
func (b *Memory) Stats() Stats {
	return Stats{
		QueueDepth: len(b.queue),
		Published:  b.published.Load(),
		Delivered:  b.delivered.Load(),
		Dropped:    b.dropped.Load(),
	}
}

// Close stops accepting messages and delivers what is already buffered.
// The context deadline controls how long to wait for drain.
func (b *Memory) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.shutdown)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("Bus shutdown timed out", "remaining", len(b.queue))
		return ctx.Err()
	}
}

func (b *Memory) worker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.shutdown:
			for {
				select {
				case d := <-b.queue:
					b.deliver(d)
				default:
					return
				}
			}
		case d := <-b.queue:
			b.deliver(d)
		}
	}
}

func (b *Memory) deliver(d delivery) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[d.queue]))
	for _, s := range b.subs[d.queue] {
		handlers = append(handlers, s.h)
	}
	b.mu.RUnlock()

	ctx := context.Background()
	for _, h := range handlers {
		safeHandle(ctx, b.logger, h, d.msg)
		b.delivered.Add(1)
	}
	if b.metrics != nil && len(handlers) > 0 {
		b.metrics.RecordBusMessage(ctx, string(d.msg.Kind), "in")
	}
}

var _ Bus = (*Memory)(nil)
