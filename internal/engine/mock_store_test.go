package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

// mockStore is an in-memory Store with the same version check as the real backends.
type mockStore struct {
	mu        sync.Mutex
	instances map[string]*store.Instance
	events    map[string][]*store.Event
	agents    map[string]*store.Agent

	// beforeUpdate runs inside UpdateInstance with the lock held.
	beforeUpdate func(stored *store.Instance)
	// failUpdates rejects that many upcoming UpdateInstance calls.
	failUpdates int
}

func newMockStore() *mockStore {
	return &mockStore{
		instances: make(map[string]*store.Instance),
		events:    make(map[string][]*store.Event),
		agents:    make(map[string]*store.Agent),
	}
}

func (m *mockStore) CreateInstance(_ context.Context, inst *store.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s exists", inst.ID)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *mockStore) GetInstance(_ context.Context, id string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", id)
	}
	return inst.Clone(), nil
}

func (m *mockStore) UpdateInstance(ctx context.Context, inst *store.Instance, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates > 0 {
		m.failUpdates--
		return errors.New("disk I/O error")
	}
	stored, ok := m.instances[inst.ID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", inst.ID)
	}
	if m.beforeUpdate != nil {
		m.beforeUpdate(stored)
	}
	if stored.Version != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s version %d is stale", inst.ID, expectedVersion)
	}
	inst.Version = expectedVersion + 1
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *mockStore) ListInstances(_ context.Context, f store.InstanceFilter) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Instance
	for _, inst := range m.instances {
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.Pipeline != "" && inst.Pipeline != f.Pipeline {
			continue
		}
		if f.SuspendedBefore != nil && (inst.SuspendedAt == nil || !inst.SuspendedAt.Before(*f.SuspendedBefore)) {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}

func (m *mockStore) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	delete(m.events, id)
	return nil
}

func (m *mockStore) AppendEvent(ctx context.Context, ev *store.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Sequence = int64(len(m.events[ev.InstanceID]) + 1)
	ev.ID = ev.Sequence
	cp := *ev
	m.events[ev.InstanceID] = append(m.events[ev.InstanceID], &cp)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, id string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events[id] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockStore) RegisterAgent(_ context.Context, a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt = time.Now().UTC()
	m.agents[a.ID] = a
	return nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %s not found", id)
	}
	return a, nil
}

func (m *mockStore) UpdateAgentSeen(context.Context, string) error { return nil }

func (m *mockStore) ListAgents(context.Context) ([]*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}

func (m *mockStore) Migrate(context.Context) error { return nil }
func (m *mockStore) Close() error                  { return nil }

func (m *mockStore) eventTypes(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events[id] {
		out = append(out, ev.Type)
	}
	return out
}

var _ store.Store = (*mockStore)(nil)
