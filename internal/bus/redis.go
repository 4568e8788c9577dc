package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coordinator/internal/protocol"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

const (
	defaultChannelPrefix    = "coordinator:bus:"
	defaultSubscribeTimeout = 30 * time.Second
)

// Redis is a cross-process bus over redis PUBLISH/SUBSCRIBE, one channel per
// queue. Redis pub/sub is fire-and-forget, which matches the bus contract.
type Redis struct {
	rdb     *redis.Client
	prefix  string
	logger  *slog.Logger
	metrics MetricsRecorder

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed atomic.Bool
}

// NewRedis creates a bus over an existing client. The client is not closed by
// Close. metrics may be nil.
func NewRedis(rdb *redis.Client, prefix string, metrics MetricsRecorder) *Redis {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &Redis{
		rdb:     rdb,
		prefix:  prefix,
		logger:  slog.With("component", "bus", "backend", BackendRedis),
		metrics: metrics,
		subs:    make(map[*redisSub]struct{}),
	}
}

func (b *Redis) channel(queue string) string { return b.prefix + queue }

func (b *Redis) Publish(ctx context.Context, queue string, msg protocol.BusMessage) error {
	if b.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode bus message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(queue), data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Kind, err)
	}
	if b.metrics != nil {
		b.metrics.RecordBusMessage(ctx, string(msg.Kind), "out")
	}
	return nil
}

type redisSub struct {
	bus    *Redis
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		if err := s.ps.Close(); err != nil {
			s.bus.logger.Debug("Closing subscription failed", "error", err)
		}
		<-s.done

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// Subscribe joins the queue channel. The subscription is confirmed with
// exponential backoff before Subscribe returns; after that go-redis
// reconnects and resubscribes on its own.
func (b *Redis) Subscribe(queue string, h Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(ctx, b.channel(queue))

	_, err := backoff.Retry(ctx, func() (any, error) {
		return ps.Receive(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(defaultSubscribeTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("Subscribe failed, retrying", "queue", queue, "retryIn", next, "error", err)
		}),
	)
	if err != nil {
		cancel()
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to queue %s: %w", queue, err)
	}

	sub := &redisSub{bus: b, ps: ps, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.receive(ctx, sub, queue, h)
	return sub, nil
}

func (b *Redis) receive(ctx context.Context, sub *redisSub, queue string, h Handler) {
	defer close(sub.done)

	for m := range sub.ps.Channel() {
		var msg protocol.BusMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.logger.Warn("Dropping undecodable bus message", "queue", queue, "error", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.RecordBusMessage(ctx, string(msg.Kind), "in")
		}
		safeHandle(ctx, b.logger, h, msg)
	}
}

func (b *Redis) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.rdb.Ping(ctx).Err()
}

// Close ends every subscription.
func (b *Redis) Close(context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

var _ Bus = (*Redis)(nil)
