package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/faults"
)

// ErrConflict is returned by Backend.Save when the stored snapshot is no
// longer the version the caller loaded.
var ErrConflict = errors.New("pipeline snapshot changed concurrently")

// Backend persists instance snapshots and the append-only event log. The
// Store serializes writers within a process; Save's version check catches
// writers in other processes sharing the backend.
type Backend interface {
	Create(ctx context.Context, inst *Instance) error
	Load(ctx context.Context, id string) (*Instance, error)
	// Save replaces the snapshot if the stored Version is inst.Version-1
	// and returns ErrConflict otherwise.
	Save(ctx context.Context, inst *Instance) error
	List(ctx context.Context, status Status) ([]*Instance, error)
	Delete(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, e events.Event) error
	Events(ctx context.Context, id string) ([]events.Event, error)
}

func errNotFound(id string) error {
	return faults.NotFound("pipeline %s not found", id)
}

func errExists(id string) error {
	return faults.New(faults.KindInvalidTransition, faults.CodeAlreadyExists, "pipeline %s already exists", id)
}

// sortInstances orders by creation time, oldest first.
func sortInstances(list []*Instance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// MemoryBackend keeps everything in process memory. It is the backend used by
// tests and by `handoff serve --storage memory`.
type MemoryBackend struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	events    map[string][]events.Event
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		instances: make(map[string]*Instance),
		events:    make(map[string][]events.Event),
	}
}

func (m *MemoryBackend) Create(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; ok {
		return errExists(inst.ID)
	}
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return inst.Clone(), nil
}

func (m *MemoryBackend) Save(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.instances[inst.ID]
	if !ok {
		return errNotFound(inst.ID)
	}
	if cur.Version != inst.Version-1 {
		return ErrConflict
	}
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryBackend) List(_ context.Context, status Status) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Instance
	for _, inst := range m.instances {
		if status == "" || inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return errNotFound(id)
	}
	delete(m.instances, id)
	delete(m.events, id)
	return nil
}

func (m *MemoryBackend) AppendEvent(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.InstanceID] = append(m.events[e.InstanceID], e.Clone())
	return nil
}

func (m *MemoryBackend) Events(_ context.Context, id string) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.instances[id]; !ok {
		return nil, errNotFound(id)
	}
	src := m.events[id]
	out := make([]events.Event, len(src))
	for i, e := range src {
		out[i] = e.Clone()
	}
	return out, nil
}
