package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRepository is the persistence port used by the resolver, dispatcher,
// query path and reconciler.
type TaskRepository interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	// ListOrderedByCreation returns every task, most recent first.
	ListOrderedByCreation(ctx context.Context) ([]Task, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Task, error)
	// MarkDispatched atomically moves a ready task to dispatched and binds
	// its workload name.
	MarkDispatched(ctx context.Context, id, workload string, at time.Time) (Task, error)
	// UpdateStatus moves a task forward to running, completed or failed.
	UpdateStatus(ctx context.Context, id string, to Status, reason string, at time.Time) (Task, error)
	Ping(ctx context.Context) error
}

// Store is a SQLite-backed TaskRepository.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

const taskColumns = `id, taskname_user, dataset_size, label_count, data_shape, code_type, code_text,
	code_file_name, code_file_ref, sample_data_name, sample_data_ref, status, status_reason,
	task_name, created_at, dispatched_at, completed_at`

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		schema, err := migrationFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_info (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DisplayName, t.DatasetSize, t.LabelCount, t.DataShape, string(t.CodeKind), t.CodeText,
		t.CodeFileName, t.CodeFileRef, t.SampleDataName, t.SampleDataRef, string(t.Status), t.StatusReason,
		nullString(t.WorkloadName), t.CreatedAt.UnixNano(), nullTime(t.DispatchedAt), nullTime(t.CompletedAt))
	return persistErr("create task", err)
}

func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_info WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, persistErr("get task", err)
}

func (s *Store) ListOrderedByCreation(ctx context.Context) ([]Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM task_info ORDER BY created_at DESC, rowid DESC`)
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]Task, error) {
	if len(statuses) == 0 {
		return []Task{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.query(ctx, `SELECT `+taskColumns+` FROM task_info WHERE status IN (`+placeholders(len(args))+`)
		ORDER BY created_at DESC, rowid DESC`, args...)
}

func (s *Store) MarkDispatched(ctx context.Context, id, workload string, at time.Time) (Task, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE task_info
		SET status = ?, task_name = ?, dispatched_at = COALESCE(dispatched_at, ?), status_reason = ''
		WHERE id = ? AND status = ?`,
		string(StatusDispatched), workload, at.UnixNano(), id, string(StatusReady))
	if err != nil {
		return Task{}, persistErr("mark dispatched", err)
	}
	return s.afterUpdate(ctx, res, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to Status, reason string, at time.Time) (Task, error) {
	if to == StatusDispatched || to == StatusReady {
		return Task{}, ErrInvalidTransition
	}
	from := predecessors(to)
	args := []any{string(to), reason, reason, string(to), at.UnixNano(), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE task_info
		SET status = ?,
			status_reason = CASE WHEN ? <> '' THEN ? ELSE status_reason END,
			completed_at = CASE WHEN ? = 'completed' THEN COALESCE(completed_at, ?) ELSE completed_at END
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return Task{}, persistErr("update status", err)
	}
	return s.afterUpdate(ctx, res, id)
}

// afterUpdate turns a zero-row conditional update into ErrNotFound or
// ErrInvalidTransition and otherwise returns the fresh row.
func (s *Store) afterUpdate(ctx context.Context, res sql.Result, id string) (Task, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, persistErr("rows affected", err)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if n == 0 {
		return t, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	return t, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr("list tasks", err)
	}
	defer rows.Close()
	tasks := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, persistErr("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, persistErr("list tasks", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                 Task
		codeKind, status  string
		workload          sql.NullString
		created           int64
		dispatched, compl sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.DisplayName, &t.DatasetSize, &t.LabelCount, &t.DataShape, &codeKind, &t.CodeText,
		&t.CodeFileName, &t.CodeFileRef, &t.SampleDataName, &t.SampleDataRef, &status, &t.StatusReason,
		&workload, &created, &dispatched, &compl)
	if err != nil {
		return Task{}, err
	}
	t.CodeKind = CodeKind(codeKind)
	t.Status = Status(status)
	t.WorkloadName = workload.String
	t.CreatedAt = time.Unix(0, created).UTC()
	t.DispatchedAt = fromNullTime(dispatched)
	t.CompletedAt = fromNullTime(compl)
	return t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
