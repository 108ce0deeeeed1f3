// Package events provides the request-scoped progress bus and the SSE
// encoding used to stream pipeline progress to clients.
//
// Progress delivery is lossy by design: producers never block, and a slow
// consumer can only cost dropped progress events, never a deadlocked
// pipeline. Terminal events (complete, error) are written by the drain loop
// after all producers have finished, so they are never dropped.
package events

import (
	"time"
)

// Event types.
const (
	EventTypePhaseStart    = "phase_start"
	EventTypeProgress      = "progress"
	EventTypePhaseComplete = "phase_complete"
	EventTypeComplete      = "complete"
	EventTypeError         = "error"
	EventTypeExpertError   = "expert_error"
)

// ProgressEvent is one frame of the query progress stream. Serialized as a
// single-line JSON payload on an SSE data: line.
type ProgressEvent struct {
	EventType string         `json:"event_type"`
	Phase     string         `json:"phase,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	ExpertID  string         `json:"expert_id,omitempty"`
}

// NewEvent builds a timestamped event.
func NewEvent(eventType, phase, status, message string) ProgressEvent {
	return ProgressEvent{
		EventType: eventType,
		Phase:     phase,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithExpert tags the event with the producing expert pipeline.
func (e ProgressEvent) WithExpert(expertID string) ProgressEvent {
	e.ExpertID = expertID
	return e
}

// WithData attaches a structured payload.
func (e ProgressEvent) WithData(data map[string]any) ProgressEvent {
	e.Data = data
	return e
}
