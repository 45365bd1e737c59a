package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory TaskRepository. Tasks are values, so callers never
// share mutable state with the store.
type MemStore struct {
	mu        sync.RWMutex
	seq       int64
	tasks     map[string]Task
	order     map[string]int64
	workloads map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks:     make(map[string]Task),
		order:     make(map[string]int64),
		workloads: make(map[string]string),
	}
}

func (m *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemStore) Create(ctx context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return &PersistenceError{Op: "create task", Err: fmt.Errorf("duplicate id %s", t.ID)}
	}
	if t.WorkloadName != "" {
		if err := m.bindWorkload(t.ID, t.WorkloadName); err != nil {
			return err
		}
	}
	m.seq++
	m.tasks[t.ID] = t
	m.order[t.ID] = m.seq
	return nil
}

func (m *MemStore) Get(ctx context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (m *MemStore) ListOrderedByCreation(ctx context.Context) ([]Task, error) {
	return m.list(func(Task) bool { return true }), nil
}

func (m *MemStore) ListByStatus(ctx context.Context, statuses ...Status) ([]Task, error) {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return m.list(func(t Task) bool { return want[t.Status] }), nil
}

func (m *MemStore) MarkDispatched(ctx context.Context, id, workload string, at time.Time) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Status != StatusReady {
		return t, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	if err := m.bindWorkload(id, workload); err != nil {
		return t, err
	}
	t.Status = StatusDispatched
	t.WorkloadName = workload
	t.StatusReason = ""
	if t.DispatchedAt == nil {
		at := at.UTC()
		t.DispatchedAt = &at
	}
	m.tasks[id] = t
	return t, nil
}

func (m *MemStore) UpdateStatus(ctx context.Context, id string, to Status, reason string, at time.Time) (Task, error) {
	if to == StatusDispatched || to == StatusReady {
		return Task{}, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if !CanTransition(t.Status, to) {
		return t, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	t.Status = to
	if reason != "" {
		t.StatusReason = reason
	}
	if to == StatusCompleted && t.CompletedAt == nil {
		at := at.UTC()
		t.CompletedAt = &at
	}
	m.tasks[id] = t
	return t, nil
}

// bindWorkload enforces that a workload name belongs to exactly one task.
// Caller holds m.mu.
func (m *MemStore) bindWorkload(id, workload string) error {
	if owner, ok := m.workloads[workload]; ok && owner != id {
		return &PersistenceError{Op: "bind workload", Err: fmt.Errorf("workload %s already bound to task %s", workload, owner)}
	}
	m.workloads[workload] = id
	return nil
}

func (m *MemStore) list(keep func(Task) bool) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.order[out[i].ID] > m.order[out[j].ID]
	})
	return out
}
