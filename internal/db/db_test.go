package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/checks"
	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

// testDB connects to HANDOFF_TEST_DATABASE_URL and resets the schema. The
// tests are skipped when the variable is unset.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("HANDOFF_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HANDOFF_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func newInstance(id string, status pipeline.Status, created time.Time) *pipeline.Instance {
	return &pipeline.Instance{
		ID:        id,
		OwnerID:   "proj-1",
		Status:    status,
		Stages:    map[catalog.StageID]*pipeline.StageResult{},
		Outputs:   map[string]any{},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := d.pool.QueryRow(ctx, "SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestBackendRoundTrip(t *testing.T) {
	b := NewBackend(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	inst := newInstance("p1", pipeline.StatusActive, now)
	inst.Outputs["product_url"] = "https://p1.example.com"
	if err := b.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Create(ctx, inst); faults.KindOf(err) != faults.KindInvalidTransition {
		t.Errorf("duplicate Create error = %v, want already exists", err)
	}

	inst.Status = pipeline.StatusPaused
	inst.Version = 1
	if err := b.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A second writer still holding version 0 loses.
	stale := newInstance("p1", pipeline.StatusCancelled, now)
	stale.Version = 1
	if err := b.Save(ctx, stale); !errors.Is(err, pipeline.ErrConflict) {
		t.Errorf("stale Save error = %v, want ErrConflict", err)
	}
	got, err := b.Load(ctx, "p1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != pipeline.StatusPaused {
		t.Errorf("Status = %q, want paused", got.Status)
	}
	if got.Outputs["product_url"] != "https://p1.example.com" {
		t.Errorf("product_url = %v", got.Outputs["product_url"])
	}

	if _, err := b.Load(ctx, "missing"); !faults.Is(err, faults.KindNotFound) {
		t.Errorf("Load(missing) error = %v, want not found", err)
	}
	if err := b.Save(ctx, newInstance("missing", pipeline.StatusActive, now)); !faults.Is(err, faults.KindNotFound) {
		t.Errorf("Save(missing) error = %v, want not found", err)
	}
}

func TestBackendListFilter(t *testing.T) {
	b := NewBackend(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	b.Create(ctx, newInstance("p2", pipeline.StatusActive, now.Add(time.Second)))
	b.Create(ctx, newInstance("p1", pipeline.StatusActive, now))
	b.Create(ctx, newInstance("p3", pipeline.StatusFailed, now.Add(2*time.Second)))

	all, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "p1" || all[2].ID != "p3" {
		t.Errorf("List order = %v", ids(all))
	}
	active, _ := b.List(ctx, pipeline.StatusActive)
	if len(active) != 2 {
		t.Errorf("active = %v, want [p1 p2]", ids(active))
	}
}

func TestBackendEventsAndDelete(t *testing.T) {
	d := testDB(t)
	b := NewBackend(d)
	ctx := context.Background()
	b.Create(ctx, newInstance("p1", pipeline.StatusActive, time.Now().UTC()))

	for i := int64(1); i <= 3; i++ {
		e := events.New(events.ProgressUpdated, "p1")
		e.Seq = i
		e.Progress = float64(i) * 10
		if err := b.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	evs, err := b.Events(ctx, "p1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) != 3 || evs[2].Progress != 30 {
		t.Errorf("events = %+v", evs)
	}

	if err := d.LogCheckRun(ctx, "p1", "testing", &checks.Result{CheckName: "unit", Passed: true, DurationMs: 1200}); err != nil {
		t.Fatalf("LogCheckRun: %v", err)
	}
	runs, err := d.CheckRuns(ctx, "p1")
	if err != nil {
		t.Fatalf("CheckRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].CheckName != "unit" || !runs[0].Passed {
		t.Errorf("check runs = %+v", runs)
	}

	if err := b.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Events(ctx, "p1"); !faults.Is(err, faults.KindNotFound) {
		t.Errorf("Events after delete error = %v, want not found", err)
	}
	if runs, _ := d.CheckRuns(ctx, "p1"); len(runs) != 0 {
		t.Errorf("check runs survived delete: %d", len(runs))
	}
}

func ids(list []*pipeline.Instance) []string {
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.ID
	}
	return out
}
