// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender for
// signed webhook delivery.
package cloudevent

import (
	"errors"
	"fmt"
	"time"
)

// SpecVersion is the only CloudEvents version produced or accepted.
const SpecVersion = "1.0"

// ErrInvalidEvent is returned for events missing a required attribute.
var ErrInvalidEvent = errors.New("invalid cloudevent")

// CloudEvent is a structured-mode CloudEvents 1.0 envelope. Subject carries
// the job hash.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// New creates a CloudEvent stamped with the current UTC time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes CloudEvents requires.
func (e *CloudEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("%w: specversion %q", ErrInvalidEvent, e.SpecVersion)
	}
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	case e.Source == "":
		return fmt.Errorf("%w: missing source", ErrInvalidEvent)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	return nil
}
