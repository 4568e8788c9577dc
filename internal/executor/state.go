package executor

import (
	"context"
	"sync"

	"coordinator/internal/apperrors"
)

// run holds the runtime state of one executing job.
type run struct {
	killed bool
	cancel context.CancelFunc
}

// runs tracks executing jobs with thread-safe access.
type runs struct {
	mu   sync.Mutex
	jobs map[string]*run
}

func newRuns() *runs {
	return &runs{jobs: make(map[string]*run)}
}

// reserve claims a job id slot. The slot holds an empty run until the
// container exists.
func (r *runs) reserve(jobID string, cancel context.CancelFunc) (*run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return nil, apperrors.Conflict("job", jobID, ErrAlreadyRunning.Error())
	}
	rn := &run{cancel: cancel}
	r.jobs[jobID] = rn
	return rn, nil
}

// markKilled flags the run and returns the cancel func of its context.
func (r *runs) markKilled(jobID string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.jobs[jobID]
	if !ok {
		return nil, false
	}
	rn.killed = true
	return rn.cancel, true
}

func (r *runs) wasKilled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.jobs[jobID]
	return ok && rn.killed
}

func (r *runs) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// ids returns all executing job ids.
func (r *runs) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (r *runs) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
