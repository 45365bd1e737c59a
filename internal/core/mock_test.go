package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carbonetes/mltaskd/internal/cluster"
)

// MockSubmitter for testing
type MockSubmitter struct {
	mu        sync.Mutex
	created   []cluster.Descriptor
	statuses  map[string]cluster.WorkloadStatus
	createErr error
	delay     time.Duration
}

func NewMockSubmitter() *MockSubmitter {
	return &MockSubmitter{statuses: map[string]cluster.WorkloadStatus{}}
}

func (m *MockSubmitter) Name() string { return "mock" }

func (m *MockSubmitter) Create(ctx context.Context, d cluster.Descriptor) (string, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.created = append(m.created, d)
	m.statuses[d.Name] = cluster.WorkloadStatus{}
	return d.Name, nil
}

func (m *MockSubmitter) Status(ctx context.Context, namespace, name string) (cluster.WorkloadStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[name]
	if !ok {
		return cluster.WorkloadStatus{}, fmt.Errorf("%w: %s", cluster.ErrWorkloadNotFound, name)
	}
	return st, nil
}

func (m *MockSubmitter) SetPhase(name string, phase cluster.Phase, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = cluster.WorkloadStatus{Phase: phase, Message: msg}
}

func (m *MockSubmitter) Created() []cluster.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cluster.Descriptor, len(m.created))
	copy(out, m.created)
	return out
}

// seqIDs issues predictable UUID-shaped ids.
type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", s.n.Add(1))
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memArtifacts struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemArtifacts() *memArtifacts { return &memArtifacts{files: map[string][]byte{}} }

func (m *memArtifacts) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = append([]byte(nil), data...)
	return nil
}

func (m *memArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[key]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found", key)
	}
	return data, nil
}

func (m *memArtifacts) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	return nil
}

func (m *memArtifacts) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Task
}

func (p *recordingPublisher) PublishTask(t Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
}

func (p *recordingPublisher) Statuses(id string) []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Status
	for _, t := range p.events {
		if t.ID == id {
			out = append(out, t.Status)
		}
	}
	return out
}

type testEnv struct {
	svc       *Service
	repo      TaskRepository
	submitter *MockSubmitter
	artifacts *memArtifacts
	clock     *fakeClock
	events    *recordingPublisher
}

func newTestEnv(t *testing.T, repo TaskRepository) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      repo,
		submitter: NewMockSubmitter(),
		artifacts: newMemArtifacts(),
		clock:     newFakeClock(),
		events:    &recordingPublisher{},
	}
	svc, err := NewService(ServiceConfig{Namespace: "training", DispatchTimeout: 2 * time.Second, Concurrency: 4},
		repo, env.artifacts, env.submitter,
		WithIDGenerator(&seqIDs{}),
		WithClock(env.clock.Now),
		WithPublisher(env.events),
		WithRetry(cluster.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}),
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	env.svc = svc
	return env
}

func resnetSubmission() Submission {
	return Submission{
		DisplayName: "resnet-run",
		DatasetSize: "1000",
		LabelCount:  "10",
		CodeType:    "text",
		CodeText:    "print(1)",
		DataShape:   "3,32,32",
	}
}
