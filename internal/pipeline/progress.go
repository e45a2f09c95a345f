package pipeline

import (
	"fmt"
	"time"

	"github.com/lucasnoah/handoff/internal/catalog"
)

// Progress returns the completion percentage of inst. Every completed or
// skipped stage counts as one unit. Half a unit is added while a stage is in
// flight, and while an active instance is recovering from a routed failure,
// so progress never drops between a failure, its recovery and the re-attempt.
func Progress(cat *catalog.Catalog, inst *Instance) float64 {
	total := cat.Len()
	if total == 0 {
		return 0
	}
	done := 0.0
	inFlight := false
	for _, id := range cat.IDs() {
		res := inst.Stages[id]
		if res == nil {
			continue
		}
		if res.Status.Done() {
			done++
		}
		if res.Status.InFlight() {
			inFlight = true
		}
	}
	if inFlight || (inst.Status == StatusActive && inst.RecoveringFrom != "") {
		done += 0.5
	}
	p := 100 * done / float64(total)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// EstimatedCompletion returns now plus the estimated duration of every stage
// still to run, or nil once the instance is terminal. Failure-only stages are
// counted only while they are in flight.
func EstimatedCompletion(cat *catalog.Catalog, inst *Instance, now time.Time) *time.Time {
	if inst.Status.Terminal() {
		return nil
	}
	var remaining time.Duration
	for _, def := range cat.All() {
		res := inst.Stages[def.ID]
		if res == nil {
			continue
		}
		switch res.Status {
		case StagePending:
			if cat.IsFailureStage(def.ID) && inst.CurrentStage != def.ID {
				continue
			}
			remaining += def.EstimatedDuration
		case StageRunning, StageRetrying:
			remaining += def.EstimatedDuration
		}
	}
	t := now.Add(remaining)
	return &t
}

// Summary returns a one-line, human-readable account of inst.
func Summary(cat *catalog.Catalog, inst *Instance) string {
	name := stageName(cat, inst.CurrentStage)

	switch inst.Status {
	case StatusCompleted:
		return "Delivery complete"
	case StatusCancelled:
		if inst.CancelReason != "" {
			return "Cancelled: " + inst.CancelReason
		}
		return "Cancelled"
	case StatusFailed:
		if inst.LastError != nil {
			return fmt.Sprintf("Failed at %s: %s", stageName(cat, inst.LastError.Stage), inst.LastError.Message)
		}
		return "Failed"
	case StatusPaused:
		return "Paused at " + name
	}

	res := inst.Stages[inst.CurrentStage]
	if res == nil {
		return name
	}
	def, _ := cat.Get(inst.CurrentStage)
	switch res.Status {
	case StageRunning:
		if inst.RecoveringFrom != "" && inst.RecoveringFrom != inst.CurrentStage {
			return fmt.Sprintf("%s after %s failed", name, stageName(cat, inst.RecoveringFrom))
		}
		return fmt.Sprintf("%s (stage %d of %d)", name, cat.Position(inst.CurrentStage)+1, cat.Len())
	case StageRetrying:
		msg := ""
		if res.Error != nil {
			msg = ": " + res.Error.Message
		}
		return fmt.Sprintf("Retrying %s (attempt %d of %d)%s", name, res.RetryCount+1, def.MaxRetries+1, msg)
	case StageFailed:
		return fmt.Sprintf("%s failed, recovering", name)
	case StageCompleted:
		return name + " complete"
	}
	return "Waiting to start " + name
}

func stageName(cat *catalog.Catalog, id catalog.StageID) string {
	if def, ok := cat.Get(id); ok && def.Name != "" {
		return def.Name
	}
	return string(id)
}
