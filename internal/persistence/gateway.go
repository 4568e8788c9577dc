// Package persistence stores job records durably. Live records are kept per
// queue; finished records move to a result cache keyed by job id.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"coordinator/internal/job"

	"github.com/redis/go-redis/v9"
)

// Gateway is the durable store behind a coordinator. Implementations must be
// safe for concurrent use. Get and CacheGet return an apperrors.ErrNotFound
// error when the record does not exist.
type Gateway interface {
	Put(ctx context.Context, queue string, rec *job.Record) error
	Get(ctx context.Context, queue, jobID string) (*job.Record, error)
	Delete(ctx context.Context, queue, jobID string) error
	ListAll(ctx context.Context, queue string) ([]*job.Record, error)

	CachePut(ctx context.Context, rec *job.Record) error
	CacheGet(ctx context.Context, jobID string) (*job.Record, error)
	// CacheDelete returns an apperrors.ErrNotFound error when nothing was removed.
	CacheDelete(ctx context.Context, jobID string) error

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendRedis      = "redis"
)

func encode(rec *job.Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", rec.Hash, err)
	}
	return data, nil
}

func decode(data []byte) (*job.Record, error) {
	var rec job.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Open builds the named backend. dir is used by the filesystem backend and
// rdb by the redis backend.
func Open(backend, dir string, rdb *redis.Client) (Gateway, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFilesystem:
		fs, err := NewFilesystem(dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedis(rdb, ""), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
