package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/faults"
)

// Store is the single source of truth for instance state. Every operation is
// a read-modify-write of one instance under that instance's lock: the new
// snapshot is saved and its events appended to the backend log before the
// events are published on the bus. A save that loses a race with another
// process is retried from a fresh load.
type Store struct {
	cat     *catalog.Catalog
	backend Backend
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store. bus and logger may be nil.
func NewStore(cat *catalog.Catalog, backend Backend, bus *events.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cat:     cat,
		backend: backend,
		bus:     bus,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
}

// Catalog returns the stage catalog instances are created from.
func (s *Store) Catalog() *catalog.Catalog {
	return s.cat
}

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// change collects the events a transition emits.
type change struct {
	events []events.Event
}

func (c *change) emit(typ events.Type, stage catalog.StageID, detail map[string]any) {
	if stage != "" {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["stage"] = string(stage)
	}
	c.events = append(c.events, events.Event{Type: typ, Detail: detail})
}

func (c *change) has(typ events.Type) bool {
	for _, e := range c.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

// maxConflicts bounds how often apply reloads after losing a save race.
const maxConflicts = 5

// apply loads id, lets fn mutate it and commits the result. When fn returns
// an error nothing is written or emitted. fn may run more than once.
func (s *Store) apply(ctx context.Context, id string, fn func(inst *Instance, c *change) error) (*Instance, error) {
	unlock := s.lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		inst, err := s.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		before := *inst
		c := &change{}
		if err := fn(inst, c); err != nil {
			return nil, err
		}
		out, err := s.commit(ctx, inst, c, before.CurrentStage, before.Status, before.Progress, false)
		if !errors.Is(err, ErrConflict) {
			return out, err
		}
		if attempt == maxConflicts {
			return nil, faults.New(faults.KindInvalidTransition, faults.CodeConflict,
				"pipeline %s keeps changing underneath this update", id)
		}
		s.logger.Debug("pipeline changed concurrently, reloading",
			zap.String("pipeline", id), zap.Int("attempt", attempt))
	}
}

func (s *Store) commit(ctx context.Context, inst *Instance, c *change, prevStage catalog.StageID, prevStatus Status, prevProgress float64, create bool) (*Instance, error) {
	now := s.now()
	inst.Progress = Progress(s.cat, inst)
	inst.Summary = Summary(s.cat, inst)
	inst.EstimatedCompletion = EstimatedCompletion(s.cat, inst, now)
	inst.UpdatedAt = now
	inst.Version++

	if inst.Status != prevStatus && !c.has(events.StatusChanged) {
		c.emit(events.StatusChanged, "", nil)
	}
	if inst.Progress != prevProgress {
		c.emit(events.ProgressUpdated, "", nil)
	}

	evs := make([]events.Event, 0, len(c.events))
	for _, pending := range c.events {
		inst.EventSeq++
		e := events.New(pending.Type, inst.ID)
		e.Seq = inst.EventSeq
		e.Timestamp = now
		e.PreviousStage = string(prevStage)
		e.CurrentStage = string(inst.CurrentStage)
		e.PreviousStatus = string(prevStatus)
		e.CurrentStatus = string(inst.Status)
		e.Progress = inst.Progress
		e.Detail = pending.Detail
		evs = append(evs, e)
	}

	if create {
		if err := s.backend.Create(ctx, inst); err != nil {
			return nil, err
		}
	} else if err := s.backend.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("save pipeline %s: %w", inst.ID, err)
	}
	for _, e := range evs {
		if err := s.backend.AppendEvent(ctx, e); err != nil {
			return nil, fmt.Errorf("append %s event for %s: %w", e.Type, inst.ID, err)
		}
	}
	if s.bus != nil {
		for _, e := range evs {
			s.bus.Publish(e)
		}
	}
	s.logger.Debug("pipeline transition applied",
		zap.String("pipeline", inst.ID),
		zap.String("stage", string(inst.CurrentStage)),
		zap.String("status", string(inst.Status)),
		zap.Float64("progress", inst.Progress),
		zap.Int("events", len(evs)))
	return inst.Clone(), nil
}

func (s *Store) stage(inst *Instance, id catalog.StageID) (catalog.StageDefinition, *StageResult, error) {
	def, ok := s.cat.Get(id)
	if !ok {
		return catalog.StageDefinition{}, nil, faults.NotFound("unknown stage %q", id)
	}
	res := inst.Stages[id]
	if res == nil {
		res = &StageResult{Stage: id, Status: StagePending}
		inst.Stages[id] = res
	}
	return def, res, nil
}

func (s *Store) moveTo(inst *Instance, stage catalog.StageID) {
	if inst.CurrentStage != stage {
		inst.PreviousStage = inst.CurrentStage
		inst.CurrentStage = stage
	}
}

// Create initializes a new instance with every stage pending. An empty id
// gets a generated one.
func (s *Store) Create(ctx context.Context, id, ownerID string, cfg RunConfig) (*Instance, error) {
	if id == "" {
		id = uuid.NewString()
	}
	unlock := s.lock(id)
	defer unlock()

	now := s.now()
	inst := &Instance{
		ID:           id,
		OwnerID:      ownerID,
		CurrentStage: s.cat.Entry(),
		Status:       StatusActive,
		Stages:       make(map[catalog.StageID]*StageResult, s.cat.Len()),
		Outputs:      map[string]any{},
		Config:       cfg,
		CreatedAt:    now,
		StartedAt:    &now,
	}
	for _, sid := range s.cat.IDs() {
		inst.Stages[sid] = &StageResult{Stage: sid, Status: StagePending}
	}

	c := &change{}
	c.emit(events.StatusChanged, "", map[string]any{"reason": "created", "owner_id": ownerID})
	return s.commit(ctx, inst, c, "", "", 0, true)
}

// Get returns a snapshot of the instance.
func (s *Store) Get(ctx context.Context, id string) (*Instance, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.backend.Load(ctx, id)
}

// List returns snapshots of all instances, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status) ([]*Instance, error) {
	return s.backend.List(ctx, status)
}

// Events returns the persisted event log of an instance in emission order.
func (s *Store) Events(ctx context.Context, id string) ([]events.Event, error) {
	evs, err := s.backend.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Seq < evs[j].Seq })
	return evs, nil
}

// Delete removes an instance and its event log.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	err := s.backend.Delete(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// StartStage marks stage running. It fails with a dependency error unless
// every dependency is completed or skipped.
func (s *Store) StartStage(ctx context.Context, id string, stage catalog.StageID) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		def, res, err := s.stage(inst, stage)
		if err != nil {
			return err
		}
		var missing []string
		for _, dep := range def.Dependencies {
			if r := inst.Stages[dep]; r == nil || !r.Status.Done() {
				missing = append(missing, string(dep))
			}
		}
		if len(missing) > 0 {
			return faults.DependencyNotSatisfied(string(stage), missing)
		}
		if inst.Status != StatusActive {
			return faults.InvalidTransition("cannot start %s: pipeline is %s", stage, inst.Status)
		}
		switch res.Status {
		case StagePending, StageRetrying, StageRunning:
		default:
			return faults.InvalidTransition("cannot start %s: stage is %s", stage, res.Status)
		}

		now := s.now()
		s.moveTo(inst, stage)
		res.Status = StageRunning
		if res.StartedAt == nil {
			res.StartedAt = &now
		}
		res.CompletedAt = nil
		c.emit(events.StageStarted, stage, map[string]any{"attempt": res.RetryCount + 1})
		return nil
	})
}

// CompleteStage marks stage completed and merges output into the instance
// outputs, new keys winning. Completing the catalog's terminal stage
// completes the instance.
func (s *Store) CompleteStage(ctx context.Context, id string, stage catalog.StageID, output map[string]any) (*Instance, error) {
	normalized, err := normalizeOutputs(output)
	if err != nil {
		return nil, faults.Wrap(faults.KindTerminal, faults.CodeInternal, err, "stage %s output", stage)
	}
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		_, res, err := s.stage(inst, stage)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return faults.InvalidTransition("cannot complete %s: pipeline is %s", stage, inst.Status)
		}
		if res.Status != StageRunning {
			return faults.InvalidTransition("cannot complete %s: stage is %s", stage, res.Status)
		}

		now := s.now()
		res.Status = StageCompleted
		res.CompletedAt = &now
		if res.StartedAt != nil {
			res.DurationMS = now.Sub(*res.StartedAt).Milliseconds()
		}
		res.Error = nil
		res.Output = normalized
		keys := make([]string, 0, len(normalized))
		for k, v := range normalized {
			inst.Outputs[k] = v
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if inst.RecoveringFrom == stage {
			inst.RecoveringFrom = ""
		}
		c.emit(events.StageCompleted, stage, map[string]any{
			"duration_ms": res.DurationMS,
			"output_keys": keys,
		})
		if stage == s.cat.Terminal() {
			s.finish(inst, c, now)
		}
		return nil
	})
}

// finish completes the instance, skipping stages the run never reached.
func (s *Store) finish(inst *Instance, c *change, now time.Time) {
	for _, def := range s.cat.All() {
		res := inst.Stages[def.ID]
		if res == nil || res.Status != StagePending {
			continue
		}
		if !def.CanSkip && !s.cat.IsFailureStage(def.ID) {
			continue
		}
		res.Status = StageSkipped
		res.SkipReason = "not reached"
		res.CompletedAt = &now
		c.emit(events.StageSkipped, def.ID, map[string]any{"reason": res.SkipReason})
	}
	inst.Status = StatusCompleted
	inst.RecoveringFrom = ""
	inst.CompletedAt = &now
}

// FailStage records a failed attempt of stage. A recoverable error on a
// retryable stage with attempts left puts the stage in retrying; the caller
// re-invokes the executor. Otherwise the stage fails and the instance either
// moves to the stage's failure stage, if that has not been used yet, or fails.
func (s *Store) FailStage(ctx context.Context, id string, stage catalog.StageID, cause error) (*Instance, error) {
	fe := faults.Classify(cause)
	if fe == nil {
		return nil, fmt.Errorf("fail %s: nil error", stage)
	}
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		def, res, err := s.stage(inst, stage)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return faults.InvalidTransition("cannot fail %s: pipeline is %s", stage, inst.Status)
		}
		if !res.Status.InFlight() {
			return faults.InvalidTransition("cannot fail %s: stage is %s", stage, res.Status)
		}

		now := s.now()
		res.Error = &StageError{
			Kind:        string(fe.Kind),
			Code:        string(fe.Code),
			Message:     fe.Message,
			Recoverable: true,
		}
		inst.LastError = &LastError{
			Stage:    stage,
			Code:     string(fe.Code),
			Message:  fe.Message,
			Severity: events.SeverityError,
			At:       now,
		}

		if fe.Recoverable() && def.CanRetry && res.RetryCount < def.MaxRetries {
			res.RetryCount++
			res.Status = StageRetrying
			inst.LastError.Severity = events.SeverityWarning
			c.emit(events.StageRetrying, stage, map[string]any{
				"attempt":      res.RetryCount + 1,
				"max_attempts": def.MaxRetries + 1,
				"code":         string(fe.Code),
				"message":      fe.Message,
			})
			return nil
		}

		res.Status = StageFailed
		res.CompletedAt = &now
		res.Error.Recoverable = false
		detail := map[string]any{
			"code":        string(fe.Code),
			"message":     fe.Message,
			"recoverable": false,
			"retry_count": res.RetryCount,
		}
		if fs := def.FailureStage; fs != "" && inst.Stages[fs] != nil && inst.Stages[fs].Status == StagePending {
			s.moveTo(inst, fs)
			inst.RecoveringFrom = stage
			detail["failure_stage"] = string(fs)
		} else {
			s.moveTo(inst, FailedMarker)
			inst.PreviousStage = stage
			inst.Status = StatusFailed
			inst.CompletedAt = &now
		}
		c.emit(events.StageFailed, stage, detail)
		c.emit(events.ErrorOccurred, stage, map[string]any{
			"severity": events.SeverityError,
			"code":     string(fe.Code),
			"message":  fe.Message,
		})
		return nil
	})
}

// Acquire makes owner the driver of id until ttl from now, renewing the
// lease when owner already holds it. It fails with LEASE_HELD while another
// owner's lease is unexpired.
func (s *Store) Acquire(ctx context.Context, id, owner string, ttl time.Duration) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		now := s.now()
		if inst.Lease.HeldBy(owner, now) {
			return faults.New(faults.KindInvalidTransition, faults.CodeLeaseHeld,
				"pipeline %s is driven by %s until %s", id, inst.Lease.Owner, inst.Lease.ExpiresAt.Format(time.RFC3339))
		}
		inst.Lease = &Lease{Owner: owner, Heartbeat: now, ExpiresAt: now.Add(ttl)}
		return nil
	})
}

// Release drops owner's lease on id. A lease held by someone else is kept.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	_, err := s.apply(ctx, id, func(inst *Instance, c *change) error {
		if inst.Lease == nil || inst.Lease.Owner != owner {
			return errLeaseNotHeld
		}
		inst.Lease = nil
		return nil
	})
	if errors.Is(err, errLeaseNotHeld) {
		return nil
	}
	return err
}

var errLeaseNotHeld = errors.New("lease not held")

// Reopen returns a failed stage to pending so it can be attempted again after
// its failure stage recovered the instance. The retry count starts over.
func (s *Store) Reopen(ctx context.Context, id string, stage catalog.StageID) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		_, res, err := s.stage(inst, stage)
		if err != nil {
			return err
		}
		if inst.Status != StatusActive {
			return faults.InvalidTransition("cannot reopen %s: pipeline is %s", stage, inst.Status)
		}
		if res.Status != StageFailed {
			return faults.InvalidTransition("cannot reopen %s: stage is %s", stage, res.Status)
		}
		s.moveTo(inst, stage)
		res.Status = StagePending
		res.RetryCount = 0
		res.CompletedAt = nil
		c.emit(events.StageRetrying, stage, map[string]any{"attempt": 1, "reason": "recovered"})
		return nil
	})
}

// SkipStage marks a skippable pending stage skipped.
func (s *Store) SkipStage(ctx context.Context, id string, stage catalog.StageID, reason string) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		def, res, err := s.stage(inst, stage)
		if err != nil {
			return err
		}
		if !def.CanSkip {
			return faults.InvalidTransition("stage %s cannot be skipped", stage)
		}
		if inst.Status != StatusActive {
			return faults.InvalidTransition("cannot skip %s: pipeline is %s", stage, inst.Status)
		}
		if res.Status != StagePending {
			return faults.InvalidTransition("cannot skip %s: stage is %s", stage, res.Status)
		}

		now := s.now()
		s.moveTo(inst, stage)
		res.Status = StageSkipped
		res.SkipReason = reason
		res.CompletedAt = &now
		if inst.RecoveringFrom == stage {
			inst.RecoveringFrom = ""
		}
		c.emit(events.StageSkipped, stage, map[string]any{"reason": reason})
		if stage == s.cat.Terminal() {
			s.finish(inst, c, now)
		}
		return nil
	})
}

// Pause stops new stages from starting. A stage already running finishes.
func (s *Store) Pause(ctx context.Context, id string) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		if inst.Status != StatusActive {
			return faults.InvalidTransition("cannot pause: pipeline is %s", inst.Status)
		}
		inst.Status = StatusPaused
		return nil
	})
}

// Resume returns a paused instance to active.
func (s *Store) Resume(ctx context.Context, id string) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		if inst.Status != StatusPaused {
			return faults.InvalidTransition("cannot resume: pipeline is %s", inst.Status)
		}
		inst.Status = StatusActive
		return nil
	})
}

// Cancel terminates the instance. In-flight stages are marked cancelled.
func (s *Store) Cancel(ctx context.Context, id, reason string) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		if inst.Status.Terminal() {
			return faults.InvalidTransition("cannot cancel: pipeline is %s", inst.Status)
		}
		now := s.now()
		for _, sid := range s.cat.IDs() {
			res := inst.Stages[sid]
			if res != nil && res.Status.InFlight() {
				res.Status = StageCancelled
				res.CompletedAt = &now
			}
		}
		inst.Status = StatusCancelled
		inst.CancelReason = reason
		inst.CompletedAt = &now
		c.emit(events.StatusChanged, "", map[string]any{"reason": reason})
		return nil
	})
}

// UpdateOutputs merges partial into the outputs without touching stages.
func (s *Store) UpdateOutputs(ctx context.Context, id string, partial map[string]any) (*Instance, error) {
	normalized, err := normalizeOutputs(partial)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, faults.CodeInvalidConfig, err, "outputs")
	}
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		keys := make([]string, 0, len(normalized))
		for k, v := range normalized {
			inst.Outputs[k] = v
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c.emit(events.OutputUpdated, "", map[string]any{"keys": keys})
		return nil
	})
}

// RecordError sets the last error and emits error_occurred without changing
// any status.
func (s *Store) RecordError(ctx context.Context, id string, stage catalog.StageID, cause error, severity string) (*Instance, error) {
	fe := faults.Classify(cause)
	if fe == nil {
		return nil, fmt.Errorf("record error: nil error")
	}
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		inst.LastError = &LastError{
			Stage:    stage,
			Code:     string(fe.Code),
			Message:  fe.Message,
			Severity: severity,
			At:       s.now(),
		}
		c.emit(events.ErrorOccurred, stage, map[string]any{
			"severity": severity,
			"code":     string(fe.Code),
			"message":  fe.Message,
		})
		return nil
	})
}

// FailInstance fails the instance outside a stage boundary, for example when
// a strict quality gate rejects a completed verification.
func (s *Store) FailInstance(ctx context.Context, id string, stage catalog.StageID, cause error) (*Instance, error) {
	fe := faults.Classify(cause)
	if fe == nil {
		return nil, fmt.Errorf("fail instance: nil error")
	}
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		if inst.Status.Terminal() {
			return faults.InvalidTransition("cannot fail: pipeline is %s", inst.Status)
		}
		now := s.now()
		severity := events.SeverityError
		if fe.Kind == faults.KindQualityGate {
			severity = events.SeverityCritical
		}
		for _, sid := range s.cat.IDs() {
			res := inst.Stages[sid]
			if res != nil && res.Status.InFlight() {
				res.Status = StageFailed
				res.CompletedAt = &now
			}
		}
		inst.LastError = &LastError{
			Stage:    stage,
			Code:     string(fe.Code),
			Message:  fe.Message,
			Severity: severity,
			At:       now,
		}
		s.moveTo(inst, FailedMarker)
		inst.PreviousStage = stage
		inst.Status = StatusFailed
		inst.CompletedAt = &now
		c.emit(events.ErrorOccurred, stage, map[string]any{
			"severity": severity,
			"code":     string(fe.Code),
			"message":  fe.Message,
		})
		return nil
	})
}

// BeginRollback records a rollback request for ref.
func (s *Store) BeginRollback(ctx context.Context, id, ref string) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		for _, rb := range inst.Rollbacks {
			if rb.Status == "in_progress" {
				return faults.InvalidTransition("rollback to %s already in progress", rb.Ref)
			}
		}
		inst.Rollbacks = append(inst.Rollbacks, Rollback{
			Ref:         ref,
			Status:      "in_progress",
			RequestedAt: s.now(),
		})
		c.emit(events.RollbackTriggered, "", map[string]any{"ref": ref})
		return nil
	})
}

// CompleteRollback closes the in-progress rollback. A nil cause marks it
// completed and records ref as the active deployment.
func (s *Store) CompleteRollback(ctx context.Context, id, ref string, cause error) (*Instance, error) {
	return s.apply(ctx, id, func(inst *Instance, c *change) error {
		idx := -1
		for i := len(inst.Rollbacks) - 1; i >= 0; i-- {
			if inst.Rollbacks[i].Status == "in_progress" && inst.Rollbacks[i].Ref == ref {
				idx = i
				break
			}
		}
		if idx < 0 {
			return faults.InvalidTransition("no rollback to %s in progress", ref)
		}
		now := s.now()
		rb := &inst.Rollbacks[idx]
		rb.CompletedAt = &now
		detail := map[string]any{"ref": ref, "success": cause == nil}
		if cause == nil {
			rb.Status = "completed"
			inst.Outputs[OutActiveDeploymentID] = ref
		} else {
			fe := faults.Classify(cause)
			rb.Status = "failed"
			rb.Error = fe.Message
			detail["error"] = fe.Message
			inst.LastError = &LastError{
				Code:     string(fe.Code),
				Message:  "rollback failed: " + fe.Message,
				Severity: events.SeverityError,
				At:       now,
			}
		}
		c.emit(events.RollbackCompleted, "", detail)
		return nil
	})
}
