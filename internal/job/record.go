package job

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Record is the full known history of one job.
//
// Records held by the coordinator are treated as immutable snapshots: every
// accepted transition produces a new Record, so a pointer handed to a socket
// or the bus is never modified afterwards.
type Record struct {
	Hash    string        `json:"hash"`
	State   State         `json:"state"`
	Value   Value         `json:"value"`
	History []StateChange `json:"history"`
}

// NewRecord starts a record from its initial Queued change.
func NewRecord(change StateChange) *Record {
	return &Record{
		Hash:    change.Job,
		State:   change.State,
		Value:   change.Value,
		History: []StateChange{change},
	}
}

// Last returns the most recent history entry.
func (r *Record) Last() StateChange {
	if len(r.History) == 0 {
		return StateChange{}
	}
	return r.History[len(r.History)-1]
}

// First returns the oldest history entry.
func (r *Record) First() StateChange {
	if len(r.History) == 0 {
		return StateChange{}
	}
	return r.History[0]
}

// Queued returns the initial Queued value holding the definition.
func (r *Record) Queued() (QueuedValue, bool) {
	v, ok := r.First().Value.(QueuedValue)
	return v, ok
}

// Definition returns the job definition from the initial Queued entry.
func (r *Record) Definition() Definition {
	v, _ := r.Queued()
	return v.Definition
}

// Namespace returns the namespace tag of the submission, if any.
func (r *Record) Namespace() string {
	v, _ := r.Queued()
	return v.Namespace
}

// Worker returns the worker named by the current value.
func (r *Record) Worker() string {
	return r.Last().Worker()
}

// Finished returns the terminal value when the job is finished.
func (r *Record) Finished() (FinishedValue, bool) {
	if r.State != StateFinished {
		return FinishedValue{}, false
	}
	v, ok := r.Value.(FinishedValue)
	return v, ok
}

// QueuedAt returns the time of the initial submission.
func (r *Record) QueuedAt() time.Time {
	return r.First().Time()
}

// Validate checks the structural invariants of a record.
func (r *Record) Validate() error {
	if len(r.History) == 0 {
		return fmt.Errorf("job %s has no history", r.Hash)
	}
	if r.History[0].State != StateQueued {
		return fmt.Errorf("job %s history starts with %s, not %s", r.Hash, r.History[0].State, StateQueued)
	}
	if r.State != r.Last().State {
		return fmt.Errorf("job %s state %s does not match last history entry %s", r.Hash, r.State, r.Last().State)
	}
	return nil
}

// Clone returns a copy whose history can be modified without affecting r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.History = slices.Clone(r.History)
	return &c
}

// With returns a copy with change appended to the history.
func (r *Record) With(change StateChange) *Record {
	c := r.Clone()
	c.History = append(c.History, change)
	c.State = change.State
	c.Value = change.Value
	return c
}

// WithLastReplaced returns a copy whose last history entry is change.
func (r *Record) WithLastReplaced(change StateChange) *Record {
	c := r.Clone()
	c.History[len(c.History)-1] = change
	c.State = change.State
	c.Value = change.Value
	return c
}

// WithDefinition returns a copy whose submission carries def. The Queued
// value is updated in place in both the first history entry and, while the
// job is still Queued, the current value.
func (r *Record) WithDefinition(def Definition) *Record {
	c := r.Clone()
	first := c.History[0]
	queued, ok := first.Value.(QueuedValue)
	if !ok {
		return c
	}
	queued.Definition = def
	first.Value = queued
	c.History[0] = first
	if len(c.History) == 1 {
		c.Value = queued
	}
	return c
}

// recordJSON mirrors Record with the value left undecoded.
type recordJSON struct {
	Hash    string          `json:"hash"`
	State   State           `json:"state"`
	Value   json.RawMessage `json:"value"`
	History []StateChange   `json:"history"`
}

// UnmarshalJSON decodes the current value into the variant selected by state.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	value, err := UnmarshalValue(raw.State, raw.Value)
	if err != nil {
		return fmt.Errorf("job %s: %w", raw.Hash, err)
	}

	r.Hash = raw.Hash
	r.State = raw.State
	r.Value = value
	r.History = raw.History
	return nil
}
