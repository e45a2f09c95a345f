// Package events carries pipeline state-change events from the state store to
// progress UIs, metrics and audit logs.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names a state change.
type Type string

const (
	StageStarted      Type = "stage_started"
	StageCompleted    Type = "stage_completed"
	StageFailed       Type = "stage_failed"
	StageRetrying     Type = "stage_retrying"
	StageSkipped      Type = "stage_skipped"
	StatusChanged     Type = "status_changed"
	ProgressUpdated   Type = "progress_updated"
	OutputUpdated     Type = "output_updated"
	ErrorOccurred     Type = "error_occurred"
	RollbackTriggered Type = "rollback_triggered"
	RollbackCompleted Type = "rollback_completed"
)

// Severity values used in ErrorOccurred details.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Event is an immutable record of one applied transition.
type Event struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	Type           Type           `json:"type"`
	InstanceID     string         `json:"instance_id"`
	PreviousStage  string         `json:"previous_stage,omitempty"`
	CurrentStage   string         `json:"current_stage,omitempty"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	CurrentStatus  string         `json:"current_status,omitempty"`
	Progress       float64        `json:"progress"`
	Timestamp      time.Time      `json:"timestamp"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(typ Type, instanceID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
	}
}

// Clone returns a copy whose Detail map is not shared with e.
func (e Event) Clone() Event {
	if e.Detail != nil {
		d := make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		e.Detail = d
	}
	return e
}

// DetailString returns Detail[key] when it is a string.
func (e Event) DetailString(key string) string {
	s, _ := e.Detail[key].(string)
	return s
}
