package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"coordinator/internal/job"
)

// Kind identifies a coordinator-to-coordinator message.
type Kind string

// Bus message kinds
const (
	KindJobStates        Kind = "job-states"
	KindJobStatesMinimal Kind = "job-states-minimal"
	KindWorkers          Kind = "workers"
	KindStatusRequest    Kind = "status-request"
	KindStatusResponse   Kind = "status-response"
	KindDeleteCachedJob  Kind = "delete-cached-job"
	KindJobLogs          Kind = "job-logs"
)

// BusMessage is published on the broadcast bus of one queue. Origin is the
// instance id of the sender so that a coordinator can skip its own messages.
type BusMessage struct {
	Kind    Kind            `json:"kind"`
	Origin  string          `json:"origin"`
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload"`
}

// JobStatesMessage carries full records.
type JobStatesMessage struct {
	Records map[string]*job.Record `json:"records"`
}

// MinimalStates is a flat [id, state, id, state, ...] list.
type MinimalStates []string

// NewMinimalStates flattens a job id to state mapping.
func NewMinimalStates(states map[string]job.State) MinimalStates {
	out := make(MinimalStates, 0, 2*len(states))
	for id, s := range states {
		out = append(out, id, string(s))
	}
	return out
}

// Pairs expands the list back into a mapping. A trailing odd entry is ignored.
func (m MinimalStates) Pairs() map[string]job.State {
	out := make(map[string]job.State, len(m)/2)
	for i := 0; i+1 < len(m); i += 2 {
		out[m[i]] = job.State(m[i+1])
	}
	return out
}

// WorkersMessage is one peer's worker roster. The roster is valid until Lease.
type WorkersMessage struct {
	Workers []WorkerRegistration `json:"workers"`
	Lease   time.Time            `json:"lease"`
}

// StatusRequestMessage asks every peer to report its status.
type StatusRequestMessage struct {
	RequestID string `json:"requestId"`
}

// StatusResponseMessage answers a StatusRequestMessage.
type StatusResponseMessage struct {
	RequestID string         `json:"requestId"`
	Status    InstanceStatus `json:"status"`
}

// DeleteCachedJobMessage asks peers to forget a cache-evicted job.
type DeleteCachedJobMessage struct {
	Job string `json:"job"`
}

// NewBusMessage encodes payload into a message of the given kind.
func NewBusMessage(kind Kind, origin, queue string, payload any) (BusMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return BusMessage{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return BusMessage{Kind: kind, Origin: origin, Queue: queue, Payload: data}, nil
}

// Decode unmarshals the message payload into v.
func (m BusMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	return nil
}
