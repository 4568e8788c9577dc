// Package executor runs job definitions in containers on a worker host.
package executor

import (
	"context"
	"errors"
	"time"

	"coordinator/internal/job"
)

// ErrAlreadyRunning is returned when a job is already executing on this host.
var ErrAlreadyRunning = errors.New("job already running on this worker")

// LogFunc receives log lines as the container produces them. It is called
// from the log streaming goroutine and must not block for long.
type LogFunc func(stream string, lines []string)

// Outcome describes how a container run ended.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Killed   bool
	Duration time.Duration
	Logs     []string // last lines of combined output
}

// Result converts the outcome into the value reported to the coordinator.
func (o Outcome) Result() *job.Result {
	code := o.ExitCode
	return &job.Result{
		ExitCode: &code,
		Logs:     o.Logs,
		Duration: o.Duration.Round(time.Millisecond).String(),
	}
}

// Reason maps the outcome to the Finished reason a worker reports.
func (o Outcome) Reason() job.FinishedReason {
	switch {
	case o.TimedOut:
		return job.ReasonTimedOut
	case o.Killed:
		return job.ReasonCancelled
	case o.ExitCode == 0:
		return job.ReasonSuccess
	default:
		return job.ReasonError
	}
}

// Executor runs one job at a time per job id.
type Executor interface {
	// Run executes def and blocks until the container exits, the
	// definition's timeout elapses, or ctx is cancelled. A cancelled ctx
	// kills the container and returns ctx.Err().
	Run(ctx context.Context, jobID string, def job.Definition, logs LogFunc) (Outcome, error)

	// Kill stops a running job. Run then returns an Outcome with Killed set.
	Kill(ctx context.Context, jobID string) error

	// Ready checks the container runtime is reachable.
	Ready(ctx context.Context) error

	// Close kills every running job and releases the runtime client.
	Close(ctx context.Context) error
}
