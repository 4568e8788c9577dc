package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coordinator/internal/bus"
	"coordinator/internal/config"
	"coordinator/internal/observability"
	"coordinator/internal/persistence"

	"github.com/redis/go-redis/v9"
)

type backends struct {
	gateway persistence.Gateway
	bus     bus.Bus
	redis   *redis.Client // shared by the redis store and bus, nil if unused
}

// openBackends builds the persistence gateway and bus selected by cfg. A
// single redis client is shared when both use redis.
func openBackends(ctx context.Context, cfg *config.ServiceConfig, metrics *observability.Metrics) (*backends, error) {
	b := &backends{}

	if cfg.StorageBackend == persistence.BackendRedis || cfg.BusBackend == bus.BackendRedis {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		rdb, err := persistence.NewRedisClient(connectCtx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.redis = rdb
	}

	store, err := persistence.Open(cfg.StorageBackend, cfg.StorageDir, b.redis)
	if err != nil {
		b.close()
		return nil, err
	}
	b.gateway = persistence.NewGuard(store, persistence.GuardConfig{}, metrics)

	switch cfg.BusBackend {
	case bus.BackendMemory:
		if cfg.StorageBackend != persistence.BackendMemory {
			slog.Warn("In-memory bus only reaches this process; replicas will not share state")
		}
		b.bus = bus.NewMemory(bus.LoadMemoryConfigFromEnv(), metrics)
	case bus.BackendRedis:
		b.bus = bus.NewRedis(b.redis, "", metrics)
	default:
		b.close()
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
	return b, nil
}

func (b *backends) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.bus != nil {
		if err := b.bus.Close(ctx); err != nil {
			slog.Warn("Bus close error", "error", err)
		}
	}
	if b.gateway != nil {
		if err := b.gateway.Close(); err != nil {
			slog.Warn("Persistence close error", "error", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			slog.Warn("Redis close error", "error", err)
		}
	}
}
