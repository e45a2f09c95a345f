package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucasnoah/handoff/internal/catalog"
	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/faults"
)

func newFileStore(t *testing.T) (*Store, *FileBackend) {
	t.Helper()
	fb, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return NewStore(chainCatalog(t), fb, nil, nil), fb
}

func TestFileBackend_SurvivesReopen(t *testing.T) {
	s, fb := newFileStore(t)
	ctx := context.Background()

	s.Create(ctx, "p1", "o", RunConfig{SourceDir: "/src", SkipStages: []catalog.StageID{"b"}})
	mustRun(t, s, "p1", "a", map[string]any{"artifact_uri": "s3://bucket/p1.tar.gz"})

	// A new store over the same directory sees the same state and log.
	again := NewStore(chainCatalog(t), fb, nil, nil)
	inst, err := again.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.Stages["a"].Status != StageCompleted {
		t.Errorf("a = %q, want completed", inst.Stages["a"].Status)
	}
	if inst.Outputs["artifact_uri"] != "s3://bucket/p1.tar.gz" {
		t.Errorf("artifact_uri = %v", inst.Outputs["artifact_uri"])
	}
	if !inst.Config.Skips("b") {
		t.Error("run config not persisted")
	}

	evs, err := again.Events(ctx, "p1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) == 0 {
		t.Fatal("expected persisted events")
	}
	if evs[0].Type != events.StatusChanged {
		t.Errorf("first event = %s, want status_changed", evs[0].Type)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq != evs[i-1].Seq+1 {
			t.Errorf("event %d seq = %d, want %d", i, evs[i].Seq, evs[i-1].Seq+1)
		}
	}

	// Continuing with the new store keeps sequence numbers going.
	mustRun(t, again, "p1", "b", nil)
	evs2, _ := again.Events(ctx, "p1")
	if evs2[len(evs2)-1].Seq <= evs[len(evs)-1].Seq {
		t.Error("sequence numbers did not advance after reopen")
	}
}

func TestFileBackend_ListAndFilter(t *testing.T) {
	s, fb := newFileStore(t)
	ctx := context.Background()

	s.Create(ctx, "p1", "o", RunConfig{})
	s.Create(ctx, "p2", "o", RunConfig{})
	s.Pause(ctx, "p2")

	// Junk directory without a snapshot is ignored.
	os.MkdirAll(filepath.Join(fb.BaseDir(), "junk"), 0o755)

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List = %d, want 2", len(all))
	}
	paused, _ := s.List(ctx, StatusPaused)
	if len(paused) != 1 || paused[0].ID != "p2" {
		t.Errorf("paused = %+v, want [p2]", paused)
	}
}

func TestFileBackend_RejectsPathIDs(t *testing.T) {
	s, _ := newFileStore(t)
	if _, err := s.Create(context.Background(), "../escape", "o", RunConfig{}); err == nil {
		t.Error("expected error for id containing a path")
	}
	if _, err := s.Get(context.Background(), "../escape"); !faults.Is(err, faults.KindNotFound) {
		t.Errorf("Get error = %v, want not found", err)
	}
}

func TestFileBackend_TornEventLine(t *testing.T) {
	s, fb := newFileStore(t)
	ctx := context.Background()
	s.Create(ctx, "p1", "o", RunConfig{})

	f, err := os.OpenFile(filepath.Join(fb.BaseDir(), "p1", "events.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"id":"x","seq":`)
	f.Close()

	evs, err := s.Events(ctx, "p1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) != 1 {
		t.Errorf("events = %d, want 1 (torn line ignored)", len(evs))
	}
}

func TestFileBackend_Delete(t *testing.T) {
	s, fb := newFileStore(t)
	ctx := context.Background()
	s.Create(ctx, "p1", "o", RunConfig{})

	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fb.BaseDir(), "p1")); !os.IsNotExist(err) {
		t.Error("instance directory still exists")
	}
	if _, err := s.Events(ctx, "p1"); err == nil {
		t.Error("expected error reading events of deleted pipeline")
	}
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	if err := WriteJSON(path, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got map[string]string
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got["k"] != "v" {
		t.Errorf("k = %q, want v", got["k"])
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestFileBackend_SharedDirectoryDetectsConflicts(t *testing.T) {
	s, fb := newFileStore(t)
	ctx := context.Background()
	s.Create(ctx, "p1", "o", RunConfig{})

	// A second backend over the same directory plays another process.
	fb2, err := NewFileBackend(fb.BaseDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	other := NewStore(chainCatalog(t), fb2, nil, nil)

	stale, _ := fb.Load(ctx, "p1")
	if _, err := other.Cancel(ctx, "p1", "stop"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stale.Version++
	stale.Status = StatusPaused
	if err := fb.Save(ctx, stale); err != ErrConflict {
		t.Fatalf("Save(stale) = %v, want ErrConflict", err)
	}

	if _, err := s.Pause(ctx, "p1"); !faults.Is(err, faults.KindInvalidTransition) {
		t.Errorf("Pause after cancel elsewhere = %v, want invalid transition", err)
	}
	inst, _ := s.Get(ctx, "p1")
	if inst.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", inst.Status)
	}
	if _, err := os.Stat(filepath.Join(fb.BaseDir(), "p1", "pipeline.lock")); err != nil {
		t.Errorf("lock file: %v", err)
	}
}
