// Package job defines job records, state changes and the rules for
// reconciling divergent copies of the same record.
package job

// State is the lifecycle state of a job.
type State string

// State constants
const (
	StateQueued   State = "Queued"
	StateReQueued State = "ReQueued"
	StateRunning  State = "Running"
	StateFinished State = "Finished"
)

// Terminal reports whether no further transitions are expected from s.
func (s State) Terminal() bool {
	return s == StateFinished
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateReQueued, StateRunning, StateFinished:
		return true
	}
	return false
}

// FinishedReason explains why a job reached the Finished state.
type FinishedReason string

// Finished reasons
const (
	ReasonSuccess    FinishedReason = "Success"
	ReasonError      FinishedReason = "Error"
	ReasonCancelled  FinishedReason = "Cancelled"
	ReasonTimedOut   FinishedReason = "TimedOut"
	ReasonWorkerLost FinishedReason = "WorkerLost"
)

// SupersededMessage is attached to jobs finished by the namespace sweep.
const SupersededMessage = "superseded by a newer submission from the same source"

// Result is the outcome reported by the worker that ran the job.
type Result struct {
	ExitCode *int              `json:"exitCode,omitempty"`
	Logs     []string          `json:"logs,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration string            `json:"duration,omitempty"`
}

// Callback represents webhook configuration for a job.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}
