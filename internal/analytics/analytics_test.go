package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

func completed(stage string, ms any) events.Event {
	return events.Event{Type: events.StageCompleted, Detail: map[string]any{"stage": stage, "duration_ms": ms}}
}

func ev(typ events.Type, stage string, detail map[string]any) events.Event {
	d := map[string]any{"stage": stage}
	for k, v := range detail {
		d[k] = v
	}
	return events.Event{Type: typ, Detail: d}
}

// --- StageDurations ---

func TestStageDurations(t *testing.T) {
	evs := []events.Event{
		completed("building", int64(10000)),
		completed("building", float64(20000)), // as decoded from JSON
		completed("building", int64(30000)),
		completed("testing", 4000),
		completed("deploying", int64(0)), // skipped: no duration
		ev(events.StageStarted, "verifying", nil),
	}

	results := StageDurations(evs)
	if len(results) != 2 {
		t.Fatalf("expected 2 stages, got %d: %+v", len(results), results)
	}

	b := results[0]
	if b.Stage != "building" {
		t.Errorf("stage = %q, want building", b.Stage)
	}
	if b.Count != 3 {
		t.Errorf("count = %d, want 3", b.Count)
	}
	if b.Avg != 20 {
		t.Errorf("avg = %v, want 20", b.Avg)
	}
	if b.P50 != 20 {
		t.Errorf("p50 = %v, want 20", b.P50)
	}
	if b.P95 != 29 {
		t.Errorf("p95 = %v, want 29", b.P95)
	}
	if results[1].Stage != "testing" || results[1].Avg != 4 {
		t.Errorf("testing = %+v", results[1])
	}
}

func TestStageDurations_Empty(t *testing.T) {
	if got := StageDurations(nil); len(got) != 0 {
		t.Errorf("expected no results, got %+v", got)
	}
}

// --- StageOutcomes ---

func TestStageOutcomes(t *testing.T) {
	evs := []events.Event{
		ev(events.StageStarted, "deploying", nil),
		ev(events.StageRetrying, "deploying", map[string]any{"code": "NETWORK_ERROR"}),
		ev(events.StageStarted, "deploying", nil),
		ev(events.StageCompleted, "deploying", nil),
		ev(events.StageStarted, "verifying", nil),
		ev(events.StageFailed, "verifying", map[string]any{"code": "PROVIDER_REJECTED"}),
		ev(events.StageRetrying, "verifying", map[string]any{"reason": "recovered"}),
		ev(events.StageStarted, "verifying", nil),
		ev(events.StageCompleted, "verifying", nil),
		ev(events.StageSkipped, "configuring", nil),
		{Type: events.StatusChanged},
	}

	results := StageOutcomes(evs)
	if len(results) != 3 {
		t.Fatalf("expected 3 stages, got %d: %+v", len(results), results)
	}
	want := map[string]StageOutcome{
		"configuring": {Stage: "configuring", Skipped: 1},
		"deploying":   {Stage: "deploying", Started: 2, Completed: 1, Retried: 1, SuccessRate: 100},
		"verifying":   {Stage: "verifying", Started: 2, Completed: 1, Failed: 1, SuccessRate: 50},
	}
	for _, r := range results {
		if r != want[r.Stage] {
			t.Errorf("%s = %+v, want %+v", r.Stage, r, want[r.Stage])
		}
	}
}

// --- FailureCodes ---

func TestFailureCodes(t *testing.T) {
	evs := []events.Event{
		ev(events.StageRetrying, "deploying", map[string]any{"code": "NETWORK_ERROR"}),
		ev(events.StageRetrying, "deploying", map[string]any{"code": "NETWORK_ERROR"}),
		ev(events.StageFailed, "deploying", map[string]any{"code": "NETWORK_ERROR"}),
		ev(events.StageFailed, "testing", map[string]any{"code": "TESTS_FAILED"}),
		ev(events.StageRetrying, "testing", map[string]any{"reason": "recovered"}),
	}

	results := FailureCodes(evs)
	if len(results) != 2 {
		t.Fatalf("expected 2 codes, got %+v", results)
	}
	if results[0] != (FailureCode{Code: "NETWORK_ERROR", Count: 3}) {
		t.Errorf("first = %+v", results[0])
	}
	if results[1] != (FailureCode{Code: "TESTS_FAILED", Count: 1}) {
		t.Errorf("second = %+v", results[1])
	}
}

// --- Throughput ---

func TestThroughput(t *testing.T) {
	mon := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC) // ISO week 23
	done := mon.Add(2 * time.Hour)
	list := []*pipeline.Instance{
		{ID: "a", Status: pipeline.StatusCompleted, CreatedAt: mon, CompletedAt: &done},
		{ID: "b", Status: pipeline.StatusFailed, CreatedAt: mon.Add(time.Hour)},
		{ID: "c", Status: pipeline.StatusCancelled, CreatedAt: mon.Add(24 * time.Hour)},
		{ID: "d", Status: pipeline.StatusActive, CreatedAt: mon.Add(7 * 24 * time.Hour)},
	}

	results := Throughput(list, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 periods, got %+v", results)
	}
	if results[0].Period != "2024-W24" || results[0].Created != 1 {
		t.Errorf("newest = %+v", results[0])
	}
	w := results[1]
	if w.Period != "2024-W23" {
		t.Errorf("period = %q, want 2024-W23", w.Period)
	}
	if w.Created != 3 || w.Completed != 1 || w.Failed != 1 || w.Cancelled != 1 {
		t.Errorf("counts = %+v", w)
	}
	if w.AvgDuration != 2 {
		t.Errorf("avg duration = %v, want 2", w.AvgDuration)
	}

	if got := Throughput(list, 1); len(got) != 1 || got[0].Period != "2024-W24" {
		t.Errorf("limit 1 = %+v", got)
	}
}

// --- Collect ---

func TestCollectFromStore(t *testing.T) {
	cat := catalog.MustNew([]catalog.StageDefinition{
		{ID: "build", Name: "Build", EstimatedDuration: time.Minute, CanRetry: true, MaxRetries: 2, NextStage: "ship"},
		{ID: "ship", Name: "Ship", EstimatedDuration: time.Minute, Dependencies: []catalog.StageID{"build"}},
	})
	store := pipeline.NewStore(cat, pipeline.NewMemoryBackend(), nil, nil)
	ctx := context.Background()

	inst, err := store.Create(ctx, "", "owner", pipeline.RunConfig{ProjectName: "shop", SourceDir: "/src"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := inst.ID
	steps := []func() error{
		func() error { _, err := store.StartStage(ctx, id, "build"); return err },
		func() error {
			_, err := store.FailStage(ctx, id, "build", faults.Transient(faults.CodeNetwork, nil, "reset"))
			return err
		},
		func() error { _, err := store.StartStage(ctx, id, "build"); return err },
		func() error { _, err := store.CompleteStage(ctx, id, "build", nil); return err },
		func() error { _, err := store.StartStage(ctx, id, "ship"); return err },
		func() error { _, err := store.CompleteStage(ctx, id, "ship", nil); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	report, err := Collect(ctx, store, time.Time{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Pipelines != 1 {
		t.Errorf("pipelines = %d, want 1", report.Pipelines)
	}
	if len(report.StageOutcomes) != 2 {
		t.Fatalf("outcomes = %+v", report.StageOutcomes)
	}
	build := report.StageOutcomes[0]
	if build.Stage != "build" || build.Started != 2 || build.Retried != 1 || build.Completed != 1 {
		t.Errorf("build outcome = %+v", build)
	}
	if len(report.FailureCodes) != 1 || report.FailureCodes[0].Code != string(faults.CodeNetwork) {
		t.Errorf("failure codes = %+v", report.FailureCodes)
	}
	if len(report.Throughput) != 1 || report.Throughput[0].Completed != 1 {
		t.Errorf("throughput = %+v", report.Throughput)
	}

	later, err := Collect(ctx, store, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Collect since: %v", err)
	}
	if later.Pipelines != 0 || len(later.StageOutcomes) != 0 {
		t.Errorf("since filter kept %+v", later)
	}
}

// --- helpers ---

func TestPercentile(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	if got := percentile(vals, 50); got != 3 {
		t.Errorf("p50 = %v, want 3", got)
	}
	if got := percentile(vals, 100); got != 5 {
		t.Errorf("p100 = %v, want 5", got)
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("empty p50 = %v, want 0", got)
	}
}

func TestPct(t *testing.T) {
	if got := pct(1, 3); got != 33.3 {
		t.Errorf("pct(1,3) = %v, want 33.3", got)
	}
	if got := pct(1, 0); got != 0 {
		t.Errorf("pct(1,0) = %v, want 0", got)
	}
}
