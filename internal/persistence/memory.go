package persistence

import (
	"context"
	"log/slog"
	"sync"

	"coordinator/internal/apperrors"
	"coordinator/internal/job"
)

// Memory keeps encoded records in process memory. Records are stored as
// JSON so callers never share mutable state with the store.
type Memory struct {
	mu     sync.RWMutex
	queues map[string]map[string][]byte
	cache  map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]map[string][]byte),
		cache:  make(map[string][]byte),
	}
}

func (m *Memory) Put(_ context.Context, queue string, rec *job.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		q = make(map[string][]byte)
		m.queues[queue] = q
	}
	q[rec.Hash] = data
	return nil
}

func (m *Memory) Get(_ context.Context, queue, jobID string) (*job.Record, error) {
	m.mu.RLock()
	data, ok := m.queues[queue][jobID]
	m.mu.RUnlock()

	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	return decode(data)
}

func (m *Memory) Delete(_ context.Context, queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[queue]; ok {
		delete(q, jobID)
		if len(q) == 0 {
			delete(m.queues, queue)
		}
	}
	return nil
}

func (m *Memory) ListAll(_ context.Context, queue string) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Record, 0, len(m.queues[queue]))
	for id, data := range m.queues[queue] {
		rec, err := decode(data)
		if err != nil {
			slog.Warn("Skipping unreadable job record", "queue", queue, "jobId", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) CachePut(_ context.Context, rec *job.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[rec.Hash] = data
	return nil
}

func (m *Memory) CacheGet(_ context.Context, jobID string) (*job.Record, error) {
	m.mu.RLock()
	data, ok := m.cache[jobID]
	m.mu.RUnlock()

	if !ok {
		return nil, apperrors.NotFound("cached job", jobID)
	}
	return decode(data)
}

func (m *Memory) CacheDelete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[jobID]; !ok {
		return apperrors.NotFound("cached job", jobID)
	}
	delete(m.cache, jobID)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var _ Gateway = (*Memory)(nil)
