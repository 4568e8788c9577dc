package job

import (
	"encoding/json"
	"fmt"
	"time"

	"coordinator/internal/apperrors"
)

// Value is the state-specific payload of a StateChange. Exactly one concrete
// type exists per State.
type Value interface {
	ValueState() State
	At() time.Time
}

// QueuedValue carries the job definition.
type QueuedValue struct {
	Definition Definition `json:"definition"`
	Namespace  string     `json:"namespace,omitempty"`
	Time       time.Time  `json:"time"`
}

// RunningValue names the worker that claimed the job.
type RunningValue struct {
	Worker string    `json:"worker"`
	Time   time.Time `json:"time"`
}

// ReQueuedValue returns a job to the pool, usually because its worker vanished.
type ReQueuedValue struct {
	Worker string    `json:"worker,omitempty"`
	Time   time.Time `json:"time"`
}

// FinishedValue is the terminal payload.
type FinishedValue struct {
	Reason  FinishedReason `json:"reason"`
	Worker  string         `json:"worker,omitempty"`
	Message string         `json:"message,omitempty"`
	Result  *Result        `json:"result,omitempty"`
	Time    time.Time      `json:"time"`
}

func (QueuedValue) ValueState() State   { return StateQueued }
func (RunningValue) ValueState() State  { return StateRunning }
func (ReQueuedValue) ValueState() State { return StateReQueued }
func (FinishedValue) ValueState() State { return StateFinished }

func (v QueuedValue) At() time.Time   { return v.Time }
func (v RunningValue) At() time.Time  { return v.Time }
func (v ReQueuedValue) At() time.Time { return v.Time }
func (v FinishedValue) At() time.Time { return v.Time }

// StateChange is an attempted transition of one job.
type StateChange struct {
	State State  `json:"state"`
	Job   string `json:"job"`
	Tag   string `json:"tag,omitempty"` // originator of the change
	Value Value  `json:"value"`
}

// NewStateChange builds a change whose State matches the value variant.
func NewStateChange(jobID, tag string, v Value) StateChange {
	return StateChange{State: v.ValueState(), Job: jobID, Tag: tag, Value: v}
}

// Time returns the timestamp carried by the value.
func (c StateChange) Time() time.Time {
	if c.Value == nil {
		return time.Time{}
	}
	return c.Value.At()
}

// Worker returns the worker id named by Running, ReQueued and Finished values.
func (c StateChange) Worker() string {
	switch v := c.Value.(type) {
	case RunningValue:
		return v.Worker
	case ReQueuedValue:
		return v.Worker
	case FinishedValue:
		return v.Worker
	}
	return ""
}

// Validate checks that the change is well formed.
func (c StateChange) Validate() error {
	if c.Job == "" {
		return apperrors.Validation("job", "state change is missing a job id")
	}
	if !c.State.Valid() {
		return apperrors.Validation("state", fmt.Sprintf("unknown state %q", c.State))
	}
	if c.Value == nil {
		return apperrors.Validation("value", fmt.Sprintf("state change for %s has no value", c.Job))
	}
	if c.Value.ValueState() != c.State {
		return apperrors.Validation("value", fmt.Sprintf("state %s carries a %s value", c.State, c.Value.ValueState()))
	}
	if c.State == StateRunning && c.Worker() == "" {
		return apperrors.Validation("value.worker", fmt.Sprintf("running state change for %s has no worker", c.Job))
	}
	return nil
}

// VerifyContentID checks that a Queued change is keyed by the hash of the
// definition it carries. Other states carry no definition and always pass.
func (c StateChange) VerifyContentID() error {
	v, ok := c.Value.(QueuedValue)
	if c.State != StateQueued || !ok {
		return nil
	}
	if h := v.Definition.Hash(); h != c.Job {
		return apperrors.Validation("job", fmt.Sprintf("job id %s does not match definition hash %s", c.Job, h))
	}
	return nil
}

// stateChangeJSON mirrors StateChange with the value left undecoded.
type stateChangeJSON struct {
	State State           `json:"state"`
	Job   string          `json:"job"`
	Tag   string          `json:"tag,omitempty"`
	Value json.RawMessage `json:"value"`
}

// UnmarshalJSON decodes the value into the variant selected by state.
func (c *StateChange) UnmarshalJSON(data []byte) error {
	var raw stateChangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	value, err := UnmarshalValue(raw.State, raw.Value)
	if err != nil {
		return fmt.Errorf("job %s: %w", raw.Job, err)
	}

	c.State = raw.State
	c.Job = raw.Job
	c.Tag = raw.Tag
	c.Value = value
	return nil
}

// UnmarshalValue decodes a state-specific payload.
func UnmarshalValue(state State, data []byte) (Value, error) {
	switch state {
	case StateQueued:
		var v QueuedValue
		return decodeValue(state, data, &v)
	case StateRunning:
		var v RunningValue
		return decodeValue(state, data, &v)
	case StateReQueued:
		var v ReQueuedValue
		return decodeValue(state, data, &v)
	case StateFinished:
		var v FinishedValue
		return decodeValue(state, data, &v)
	default:
		return nil, fmt.Errorf("unknown state %q", state)
	}
}

func decodeValue[T Value](state State, data []byte, v *T) (Value, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("missing %s value", state)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s value: %w", state, err)
	}
	return *v, nil
}
