package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coordinator/internal/apperrors"
	"coordinator/internal/job"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "coordinator"

// NewRedisClient connects to the server named by a redis:// URL and checks
// it is reachable.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis connection string: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Redis keeps live records in one hash per queue and cached results in
// plain string keys.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Keys are namespaced under prefix, or
// "coordinator" when prefix is empty.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = keyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) queueKey(queue string) string { return r.prefix + ":queue:" + queue }
func (r *Redis) cacheKey(jobID string) string { return r.prefix + ":cache:" + jobID }

func (r *Redis) Put(ctx context.Context, queue string, rec *job.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.queueKey(queue), rec.Hash, data).Err()
}

func (r *Redis) Get(ctx context.Context, queue, jobID string) (*job.Record, error) {
	data, err := r.rdb.HGet(ctx, r.queueKey(queue), jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (r *Redis) Delete(ctx context.Context, queue, jobID string) error {
	return r.rdb.HDel(ctx, r.queueKey(queue), jobID).Err()
}

func (r *Redis) ListAll(ctx context.Context, queue string) ([]*job.Record, error) {
	all, err := r.rdb.HGetAll(ctx, r.queueKey(queue)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*job.Record, 0, len(all))
	for id, data := range all {
		rec, err := decode([]byte(data))
		if err != nil {
			slog.Warn("Skipping unreadable job record", "queue", queue, "jobId", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) CachePut(ctx context.Context, rec *job.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.cacheKey(rec.Hash), data, 0).Err()
}

func (r *Redis) CacheGet(ctx context.Context, jobID string) (*job.Record, error) {
	data, err := r.rdb.Get(ctx, r.cacheKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("cached job", jobID)
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (r *Redis) CacheDelete(ctx context.Context, jobID string) error {
	n, err := r.rdb.Del(ctx, r.cacheKey(jobID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("cached job", jobID)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close is a no-op: the client is owned by the caller and may be shared
// with the bus.
func (r *Redis) Close() error { return nil }

var _ Gateway = (*Redis)(nil)
