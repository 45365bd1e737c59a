package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func forEachStore(t *testing.T, fn func(t *testing.T, repo TaskRepository)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewStore(filepath.Join(t.TempDir(), "tasks.db"))
		if err != nil {
			t.Fatalf("NewStore failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemStore())
	})
}

func readyTask(id string, created time.Time) Task {
	return Task{
		ID:          id,
		DisplayName: "run-" + id,
		DatasetSize: 1000,
		LabelCount:  10,
		DataShape:   "3,32,32",
		CodeKind:    CodeInline,
		CodeText:    "print(1)",
		Status:      StatusReady,
		CreatedAt:   created,
	}
}

func TestStoreCreateGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, repo TaskRepository) {
		ctx := context.Background()
		created := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
		in := readyTask("a", created)
		in.SampleDataName = "sample.csv"
		in.SampleDataRef = "a/sample.csv"
		if err := repo.Create(ctx, in); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		got, err := repo.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.DisplayName != "run-a" || got.DatasetSize != 1000 || got.LabelCount != 10 || got.DataShape != "3,32,32" {
			t.Errorf("unexpected fields: %+v", got)
		}
		if got.CodeKind != CodeInline || got.CodeText != "print(1)" || got.SampleDataRef != "a/sample.csv" {
			t.Errorf("unexpected payload fields: %+v", got)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
		}
		if got.WorkloadName != "" || got.DispatchedAt != nil || got.CompletedAt != nil {
			t.Errorf("ready task carries dispatch fields: %+v", got)
		}

		if err := repo.Create(ctx, in); err == nil {
			t.Errorf("expected duplicate id to fail")
		}
		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreListOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, repo TaskRepository) {
		ctx := context.Background()
		if tasks, err := repo.ListOrderedByCreation(ctx); err != nil || tasks == nil || len(tasks) != 0 {
			t.Fatalf("expected empty non-nil list, got %v, %v", tasks, err)
		}
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		for i, id := range []string{"old", "mid", "tie-1", "tie-2"} {
			at := base.Add(time.Duration(i) * time.Minute)
			if i == 3 {
				at = base.Add(2 * time.Minute)
			}
			if err := repo.Create(ctx, readyTask(id, at)); err != nil {
				t.Fatalf("Create %s failed: %v", id, err)
			}
		}
		tasks, err := repo.ListOrderedByCreation(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"tie-2", "tie-1", "mid", "old"}
		if len(tasks) != len(want) {
			t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
		}
		for i, id := range want {
			if tasks[i].ID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, tasks[i].ID)
			}
		}

		if _, err := repo.MarkDispatched(ctx, "mid", "mltask-mid", base); err != nil {
			t.Fatalf("MarkDispatched failed: %v", err)
		}
		ready, err := repo.ListByStatus(ctx, StatusReady)
		if err != nil {
			t.Fatalf("ListByStatus failed: %v", err)
		}
		if len(ready) != 3 {
			t.Errorf("expected 3 ready tasks, got %d", len(ready))
		}
		none, err := repo.ListByStatus(ctx)
		if err != nil || len(none) != 0 {
			t.Errorf("expected no tasks for empty filter, got %v, %v", none, err)
		}
	})
}

func TestStoreTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, repo TaskRepository) {
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		if err := repo.Create(ctx, readyTask("a", at)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		if _, err := repo.UpdateStatus(ctx, "a", StatusRunning, "", at); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ready->running to be rejected, got %v", err)
		}
		if _, err := repo.UpdateStatus(ctx, "a", StatusDispatched, "", at); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected UpdateStatus to dispatched to be rejected, got %v", err)
		}

		d, err := repo.MarkDispatched(ctx, "a", "mltask-a", at.Add(time.Second))
		if err != nil {
			t.Fatalf("MarkDispatched failed: %v", err)
		}
		if d.Status != StatusDispatched || d.WorkloadName != "mltask-a" || d.DispatchedAt == nil {
			t.Fatalf("unexpected dispatched task: %+v", d)
		}
		again, err := repo.MarkDispatched(ctx, "a", "mltask-a", at)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected second MarkDispatched to fail, got %v", err)
		}
		if again.WorkloadName != "mltask-a" {
			t.Errorf("expected current row on conflict, got %+v", again)
		}

		r, err := repo.UpdateStatus(ctx, "a", StatusRunning, "", at.Add(2*time.Second))
		if err != nil || r.Status != StatusRunning {
			t.Fatalf("dispatched->running failed: %v %+v", err, r)
		}
		c, err := repo.UpdateStatus(ctx, "a", StatusCompleted, "", at.Add(3*time.Second))
		if err != nil {
			t.Fatalf("running->completed failed: %v", err)
		}
		if c.CompletedAt == nil || !c.CompletedAt.Equal(at.Add(3*time.Second)) {
			t.Errorf("expected completed_at to be set, got %v", c.CompletedAt)
		}
		if _, err := repo.UpdateStatus(ctx, "a", StatusFailed, "late", at); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected completed->failed to be rejected, got %v", err)
		}
		if _, err := repo.UpdateStatus(ctx, "missing", StatusFailed, "x", at); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreFailKeepsReason(t *testing.T) {
	forEachStore(t, func(t *testing.T, repo TaskRepository) {
		ctx := context.Background()
		at := time.Now().UTC()
		if err := repo.Create(ctx, readyTask("a", at)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		f, err := repo.UpdateStatus(ctx, "a", StatusFailed, "cluster rejected workload", at)
		if err != nil {
			t.Fatalf("ready->failed failed: %v", err)
		}
		if f.Status != StatusFailed || f.StatusReason != "cluster rejected workload" {
			t.Fatalf("unexpected failed task: %+v", f)
		}
		if _, err := repo.MarkDispatched(ctx, "a", "mltask-a", at); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected failed task to stay failed, got %v", err)
		}
		got, _ := repo.Get(ctx, "a")
		if got.StatusReason != "cluster rejected workload" {
			t.Errorf("reason lost: %q", got.StatusReason)
		}
	})
}

func TestStoreWorkloadNameUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, repo TaskRepository) {
		ctx := context.Background()
		at := time.Now().UTC()
		for _, id := range []string{"a", "b"} {
			if err := repo.Create(ctx, readyTask(id, at)); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}
		if _, err := repo.MarkDispatched(ctx, "a", "mltask-shared", at); err != nil {
			t.Fatalf("MarkDispatched failed: %v", err)
		}
		if _, err := repo.MarkDispatched(ctx, "b", "mltask-shared", at); err == nil {
			t.Fatalf("expected workload name reuse to fail")
		}
	})
}

func TestStorePing(t *testing.T) {
	forEachStore(t, func(t *testing.T, repo TaskRepository) {
		if err := repo.Ping(context.Background()); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})
}
