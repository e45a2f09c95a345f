package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/lucasnoah/handoff/internal/events"
)

// FileBackend stores each instance under <baseDir>/<id>/ as pipeline.json
// (snapshot, written atomically) and events.jsonl (append-only event log).
// Saves take an advisory lock on pipeline.lock so processes sharing the
// directory cannot overwrite each other's snapshots.
type FileBackend struct {
	baseDir string
	mu      sync.Mutex // guards create/delete against concurrent List
}

// NewFileBackend creates a FileBackend rooted at baseDir.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", baseDir, err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

// DefaultFileBackend returns a FileBackend at ~/.handoff/pipelines.
func DefaultFileBackend() (*FileBackend, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewFileBackend(filepath.Join(home, ".handoff", "pipelines"))
}

// BaseDir returns the backend's root directory.
func (f *FileBackend) BaseDir() string {
	return f.baseDir
}

func (f *FileBackend) instanceDir(id string) string {
	return filepath.Join(f.baseDir, id)
}

func (f *FileBackend) snapshotPath(id string) string {
	return filepath.Join(f.instanceDir(id), "pipeline.json")
}

func (f *FileBackend) lockPath(id string) string {
	return filepath.Join(f.instanceDir(id), "pipeline.lock")
}

func (f *FileBackend) eventsPath(id string) string {
	return filepath.Join(f.instanceDir(id), "events.jsonl")
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid pipeline id %q", id)
	}
	return nil
}

func (f *FileBackend) Create(_ context.Context, inst *Instance) error {
	if err := validID(inst.ID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.instanceDir(inst.ID)
	if _, err := os.Stat(dir); err == nil {
		return errExists(inst.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := WriteJSON(f.snapshotPath(inst.ID), inst); err != nil {
		return fmt.Errorf("write pipeline.json: %w", err)
	}
	return nil
}

func (f *FileBackend) Load(_ context.Context, id string) (*Instance, error) {
	if err := validID(id); err != nil {
		return nil, errNotFound(id)
	}
	var inst Instance
	if err := ReadJSON(f.snapshotPath(id), &inst); err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(id)
		}
		return nil, err
	}
	return &inst, nil
}

func (f *FileBackend) Save(ctx context.Context, inst *Instance) error {
	if err := validID(inst.ID); err != nil {
		return errNotFound(inst.ID)
	}
	if _, err := os.Stat(f.instanceDir(inst.ID)); os.IsNotExist(err) {
		return errNotFound(inst.ID)
	}

	lock := flock.New(f.lockPath(inst.ID))
	locked, err := lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock pipeline %s: %w", inst.ID, err)
	}
	if !locked {
		return fmt.Errorf("lock pipeline %s: not acquired", inst.ID)
	}
	defer lock.Unlock()

	var cur Instance
	if err := ReadJSON(f.snapshotPath(inst.ID), &cur); err != nil {
		if os.IsNotExist(err) {
			return errNotFound(inst.ID)
		}
		return err
	}
	if cur.Version != inst.Version-1 {
		return ErrConflict
	}
	if err := WriteJSON(f.snapshotPath(inst.ID), inst); err != nil {
		return fmt.Errorf("write pipeline.json: %w", err)
	}
	return nil
}

// List returns all instances, optionally filtered by status. Directories
// without a readable snapshot are skipped.
func (f *FileBackend) List(ctx context.Context, status Status) ([]*Instance, error) {
	f.mu.Lock()
	entries, err := os.ReadDir(f.baseDir)
	f.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", f.baseDir, err)
	}

	var out []*Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		inst, err := f.Load(ctx, entry.Name())
		if err != nil {
			continue
		}
		if status == "" || inst.Status == status {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return out, nil
}

func (f *FileBackend) Delete(_ context.Context, id string) error {
	if err := validID(id); err != nil {
		return errNotFound(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := f.instanceDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errNotFound(id)
	}
	return os.RemoveAll(dir)
}

func (f *FileBackend) AppendEvent(_ context.Context, e events.Event) error {
	if err := validID(e.InstanceID); err != nil {
		return err
	}
	return AppendJSONLine(f.eventsPath(e.InstanceID), e)
}

func (f *FileBackend) Events(_ context.Context, id string) ([]events.Event, error) {
	if err := validID(id); err != nil {
		return nil, errNotFound(id)
	}
	if _, err := os.Stat(f.instanceDir(id)); os.IsNotExist(err) {
		return nil, errNotFound(id)
	}
	var out []events.Event
	err := ReadJSONLines(f.eventsPath(id), func(line []byte) error {
		var e events.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
