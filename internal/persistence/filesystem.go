package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"coordinator/internal/apperrors"
	"coordinator/internal/job"
)

// Filesystem stores one JSON file per record:
//
//	<root>/queues/<escaped queue>/<job id>.json
//	<root>/cache/<job id>.json
//
// Writes go through a temporary file and a rename so readers never observe a
// partially written record.
type Filesystem struct {
	root string
}

// NewFilesystem creates the directory layout under root.
func NewFilesystem(root string) (*Filesystem, error) {
	for _, dir := range []string{filepath.Join(root, "queues"), filepath.Join(root, "cache")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) queueDir(queue string) string {
	return filepath.Join(f.root, "queues", url.PathEscape(queue))
}

func (f *Filesystem) recordPath(dir, jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", apperrors.Validation("job", fmt.Sprintf("invalid job id %q", jobID))
	}
	return filepath.Join(dir, jobID+".json"), nil
}

func (f *Filesystem) Put(_ context.Context, queue string, rec *job.Record) error {
	dir := f.queueDir(queue)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	return f.write(dir, rec)
}

func (f *Filesystem) Get(_ context.Context, queue, jobID string) (*job.Record, error) {
	return f.read(f.queueDir(queue), jobID, "job")
}

func (f *Filesystem) Delete(_ context.Context, queue, jobID string) error {
	path, err := f.recordPath(f.queueDir(queue), jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

func (f *Filesystem) ListAll(_ context.Context, queue string) ([]*job.Record, error) {
	dir := f.queueDir(queue)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list queue %s: %w", queue, err)
	}

	out := make([]*job.Record, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		rec, err := f.read(dir, id, "job")
		if err != nil {
			slog.Warn("Skipping unreadable job record", "queue", queue, "jobId", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *Filesystem) CachePut(_ context.Context, rec *job.Record) error {
	return f.write(filepath.Join(f.root, "cache"), rec)
}

func (f *Filesystem) CacheGet(_ context.Context, jobID string) (*job.Record, error) {
	return f.read(filepath.Join(f.root, "cache"), jobID, "cached job")
}

func (f *Filesystem) CacheDelete(_ context.Context, jobID string) error {
	path, err := f.recordPath(filepath.Join(f.root, "cache"), jobID)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return apperrors.NotFound("cached job", jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete cached job %s: %w", jobID, err)
	}
	return nil
}

func (f *Filesystem) Ping(context.Context) error {
	_, err := os.Stat(f.root)
	return err
}

func (f *Filesystem) Close() error { return nil }

func (f *Filesystem) write(dir string, rec *job.Record) error {
	path, err := f.recordPath(dir, rec.Hash)
	if err != nil {
		return err
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write job %s: %w", rec.Hash, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write job %s: %w", rec.Hash, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", rec.Hash, err)
	}
	return nil
}

func (f *Filesystem) read(dir, jobID, resource string) (*job.Record, error) {
	path, err := f.recordPath(dir, jobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound(resource, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", resource, jobID, err)
	}
	return decode(data)
}

var _ Gateway = (*Filesystem)(nil)
