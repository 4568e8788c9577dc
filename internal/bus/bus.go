// Package bus carries coordinator-to-coordinator messages for one queue.
// Delivery is best-effort: messages may be dropped, duplicated across
// reconnects, or arrive out of order between peers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coordinator/internal/protocol"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives messages published on a queue. Handlers run on bus
// goroutines and must not block for long.
type Handler func(ctx context.Context, msg protocol.BusMessage)

// Subscription is an active Subscribe call.
type Subscription interface {
	Unsubscribe()
}

// Bus is the process-group pub/sub transport. Publishers also receive their
// own messages; receivers filter by Origin.
type Bus interface {
	Publish(ctx context.Context, queue string, msg protocol.BusMessage) error
	Subscribe(queue string, h Handler) (Subscription, error)
	// Ping checks the transport is usable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// MetricsRecorder is an optional interface for recording bus traffic.
type MetricsRecorder interface {
	RecordBusMessage(ctx context.Context, kind, direction string)
}

// Backend names
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// safeHandle runs h, turning a panic into a log line so one bad message
// cannot stop delivery.
func safeHandle(ctx context.Context, logger *slog.Logger, h Handler, msg protocol.BusMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Bus handler panicked", "kind", msg.Kind, "queue", msg.Queue, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, msg)
}
