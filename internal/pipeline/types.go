package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/handoff/internal/catalog"
)

// Status is the overall state of a pipeline instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions may change the instance's
// stages.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageStatus is the state of one stage within an instance.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageRetrying  StageStatus = "retrying"
	StageCancelled StageStatus = "cancelled"
)

// Done reports whether the stage satisfies dependencies of later stages.
func (s StageStatus) Done() bool {
	return s == StageCompleted || s == StageSkipped
}

// InFlight reports whether an executor is (or is about to be) working on the stage.
func (s StageStatus) InFlight() bool {
	return s == StageRunning || s == StageRetrying
}

// FailedMarker is the current stage of an instance that failed without a
// failure stage to route to.
const FailedMarker catalog.StageID = "pipeline_failed"

// StageError is the classified error recorded on a stage.
type StageError struct {
	Kind        string `json:"kind"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// StageResult is the execution record of one stage.
type StageResult struct {
	Stage       catalog.StageID `json:"stage"`
	Status      StageStatus     `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *StageError     `json:"error,omitempty"`
	SkipReason  string          `json:"skip_reason,omitempty"`
}

// LastError is the most recent failure recorded on an instance.
type LastError struct {
	Stage    catalog.StageID `json:"stage"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Severity string          `json:"severity"`
	At       time.Time       `json:"at"`
}

// RunConfig is the configuration a pipeline run was started with. It is kept
// on the instance so an interrupted run can be resumed after a restart.
type RunConfig struct {
	ProjectID   string            `json:"project_id"`
	ProjectName string            `json:"project_name"`
	SourceDir   string            `json:"source_dir"`
	Domain      string            `json:"domain,omitempty"`
	Recipient   string            `json:"recipient,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	Scenarios   []string          `json:"scenarios,omitempty"`
	SkipStages  []catalog.StageID `json:"skip_stages,omitempty"`
	StrictGate  bool              `json:"strict_gate,omitempty"`
}

// Skips reports whether the run configuration asks for stage to be skipped.
func (c RunConfig) Skips(stage catalog.StageID) bool {
	for _, s := range c.SkipStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Rollback records one explicit rollback request.
type Rollback struct {
	Ref         string     `json:"ref"`
	Status      string     `json:"status"` // "in_progress", "completed", "failed"
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Lease names the process driving an instance. Other processes leave the
// instance alone until ExpiresAt unless the driver renews it.
type Lease struct {
	Owner     string    `json:"owner"`
	Heartbeat time.Time `json:"heartbeat"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HeldBy reports whether someone other than owner holds an unexpired lease
// at now.
func (l *Lease) HeldBy(owner string, now time.Time) bool {
	return l != nil && l.Owner != owner && now.Before(l.ExpiresAt)
}

// Instance is the durable state of one delivery attempt.
type Instance struct {
	ID                  string                           `json:"id"`
	OwnerID             string                           `json:"owner_id"`
	CurrentStage        catalog.StageID                  `json:"current_stage"`
	PreviousStage       catalog.StageID                  `json:"previous_stage,omitempty"`
	Status              Status                           `json:"status"`
	Stages              map[catalog.StageID]*StageResult `json:"stages"`
	Outputs             map[string]any                   `json:"outputs"`
	LastError           *LastError                       `json:"last_error,omitempty"`
	Progress            float64                          `json:"progress"`
	EstimatedCompletion *time.Time                       `json:"estimated_completion,omitempty"`
	Summary             string                           `json:"summary"`
	RecoveringFrom      catalog.StageID                  `json:"recovering_from,omitempty"`
	CancelReason        string                           `json:"cancel_reason,omitempty"`
	Rollbacks           []Rollback                       `json:"rollbacks,omitempty"`
	Config              RunConfig                        `json:"config"`
	EventSeq            int64                            `json:"event_seq"`
	Version             int64                            `json:"version"`
	Lease               *Lease                           `json:"lease,omitempty"`
	CreatedAt           time.Time                        `json:"created_at"`
	UpdatedAt           time.Time                        `json:"updated_at"`
	StartedAt           *time.Time                       `json:"started_at,omitempty"`
	CompletedAt         *time.Time                       `json:"completed_at,omitempty"`
}

// Stage returns the result for id, or nil.
func (i *Instance) Stage(id catalog.StageID) *StageResult {
	return i.Stages[id]
}

// Clone returns a deep copy. Instances only hold JSON-representable data, so
// a JSON round trip is an exact copy and matches what durable backends return.
func (i *Instance) Clone() *Instance {
	data, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("pipeline: clone instance %s: %v", i.ID, err))
	}
	var out Instance
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("pipeline: clone instance %s: %v", i.ID, err))
	}
	return &out
}

// normalizeOutputs converts v to its JSON form so stored outputs look the same
// no matter which backend returned them.
func normalizeOutputs(v map[string]any) (map[string]any, error) {
	if len(v) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("outputs are not JSON-serializable: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	return out, nil
}

// DecodeOutput decodes outputs[key] into v. It reports false when the key is
// absent.
func DecodeOutput(outputs map[string]any, key string, v any) (bool, error) {
	raw, ok := outputs[key]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return true, fmt.Errorf("encode output %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode output %q: %w", key, err)
	}
	return true, nil
}

// OutputString returns outputs[key] when it is a non-empty string.
func OutputString(outputs map[string]any, key string) string {
	s, _ := outputs[key].(string)
	return s
}
