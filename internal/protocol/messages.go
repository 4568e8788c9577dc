// Package protocol defines the messages exchanged with clients, workers and
// peer coordinators.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"coordinator/internal/job"
)

// Ping and Pong are exchanged as raw text frames outside the envelope format.
const (
	Ping = "ping"
	Pong = "pong"
)

// InboundType identifies a message sent by a client or worker.
type InboundType string

// Inbound message types
const (
	InStateChange        InboundType = "StateChange"
	InWorkerRegistration InboundType = "WorkerRegistration"
	InStatusRequest      InboundType = "StatusRequest"
	InJobStatusLogs      InboundType = "JobStatusLogs"
	InClearJobCache      InboundType = "ClearJobCache"
	InResubmitJob        InboundType = "ResubmitJob"
	InQueryJob           InboundType = "QueryJob"
)

// OutboundType identifies a message sent to clients and workers.
type OutboundType string

// Outbound message types
const (
	OutJobStates            OutboundType = "JobStates"
	OutJobStateUpdates      OutboundType = "JobStateUpdates"
	OutWorkers              OutboundType = "Workers"
	OutStatusRequest        OutboundType = "StatusRequest"
	OutClearJobCacheConfirm OutboundType = "ClearJobCacheConfirm"
	OutJobStatusPayload     OutboundType = "JobStatusPayload"
)

// Inbound is the envelope of every client or worker message.
type Inbound struct {
	Type    InboundType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound is the envelope of every message sent to clients and workers.
type Outbound struct {
	Type    OutboundType `json:"type"`
	Payload any          `json:"payload"`
}

// WorkerRegistration announces a worker and refreshes its heartbeat.
type WorkerRegistration struct {
	ID             string    `json:"id"`
	CPUs           int       `json:"cpus"`
	GPUs           int       `json:"gpus"`
	MaxJobDuration string    `json:"maxJobDuration,omitempty"`
	Time           time.Time `json:"time"`
}

// JobStatusLogs carries log lines produced by a running job.
type JobStatusLogs struct {
	Job    string   `json:"job"`
	Worker string   `json:"worker,omitempty"`
	Lines  []string `json:"lines"`
}

// JobRef names a single job.
type JobRef struct {
	Job string `json:"job"`
}

// JobStates is the payload of JobStates and JobStateUpdates.
type JobStates struct {
	State    map[string]*job.Record `json:"state"`
	IsSubset bool                   `json:"isSubset"`
}

// Workers is the payload of a Workers message.
type Workers struct {
	Workers []WorkerRegistration `json:"workers"`
}

// ClearJobCacheConfirm reports the outcome of a cache clear.
type ClearJobCacheConfirm struct {
	Job     string `json:"job"`
	Removed bool   `json:"removed"`
}

// JobStatusPayload answers a QueryJob or streams logs for one job.
type JobStatusPayload struct {
	Job    string      `json:"job"`
	Record *job.Record `json:"record,omitempty"`
	Logs   []string    `json:"logs,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// JobSummary is the per-job part of a status report.
type JobSummary struct {
	State         job.State `json:"state"`
	HistoryLength int       `json:"historyLength"`
}

// InstanceStatus is what one coordinator knows about a queue.
type InstanceStatus struct {
	Instance     string                `json:"instance"`
	Jobs         map[string]JobSummary `json:"jobs"`
	LocalWorkers int                   `json:"localWorkers"`
	Workers      int                   `json:"workers"`
	Clients      int                   `json:"clients"`
}

// Status aggregates the status of every coordinator that answered in time.
type Status struct {
	Queue     string                `json:"queue"`
	Jobs      map[string]JobSummary `json:"jobs"`
	Workers   int                   `json:"workers"`
	Clients   int                   `json:"clients"`
	Instances []InstanceStatus      `json:"instances"`
}

// Decode unmarshals the envelope payload into v.
func (m Inbound) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// NewInbound builds an envelope around payload.
func NewInbound(t InboundType, payload any) (Inbound, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Inbound{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Inbound{Type: t, Payload: data}, nil
}

// DecodeOutbound unmarshals an outbound envelope, typing the payload by Type.
// Clients use it to read coordinator messages.
func DecodeOutbound(data []byte) (OutboundType, any, error) {
	var raw struct {
		Type    OutboundType    `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, err
	}

	var v any
	switch raw.Type {
	case OutJobStates, OutJobStateUpdates:
		v = &JobStates{}
	case OutWorkers:
		v = &Workers{}
	case OutStatusRequest:
		v = &Status{}
	case OutClearJobCacheConfirm:
		v = &ClearJobCacheConfirm{}
	case OutJobStatusPayload:
		v = &JobStatusPayload{}
	default:
		return raw.Type, nil, fmt.Errorf("unknown outbound type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Payload, v); err != nil {
		return raw.Type, nil, fmt.Errorf("failed to decode %s payload: %w", raw.Type, err)
	}
	return raw.Type, v, nil
}
