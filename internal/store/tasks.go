package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Task statuses. StatusCompleted is terminal.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusError     = "error"
	StatusCompleted = "completed"
)

// Run log statuses.
const (
	RunSuccess = "success"
	RunError   = "error"
)

// Task is a persistent scheduled task.
type Task struct {
	ID            string
	Folder        string
	JID           string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	LastError     string
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
}

// TaskRun is one append-only run log entry.
type TaskRun struct {
	TaskID     string
	RunAt      time.Time
	DurationMs int64
	Status     string // "success" or "error"
	Result     string
	Error      string
}

const taskColumns = `id, folder, jid, prompt, schedule_type, schedule_value, context_mode,
	status, next_run, last_run, last_result, last_error, retry_count, max_retries, created_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var nextRun, lastRun sql.NullTime
	var lastResult, lastError sql.NullString
	err := row.Scan(&t.ID, &t.Folder, &t.JID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.Status, &nextRun, &lastRun, &lastResult, &lastError,
		&t.RetryCount, &t.MaxRetries, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.NextRun = scanTime(nextRun)
	t.LastRun = scanTime(lastRun)
	t.LastResult = lastResult.String
	t.LastError = lastError.String
	return &t, nil
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ContextMode == "" {
		t.ContextMode = ContextGroup
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, folder, jid, prompt, schedule_type, schedule_value,
			context_mode, status, next_run, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.JID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.Status, nullTime(t.NextRun), t.MaxRetries, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// DueTasks returns active tasks with next_run at or before now, in next_run
// order (discovery order for same-JID serialization).
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run, created_at`, StatusActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns tasks for one folder, or all tasks if folder is empty.
func (s *Store) ListTasks(ctx context.Context, folder string) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at`
	args := []any{}
	if folder != "" {
		q = `SELECT ` + taskColumns + ` FROM tasks WHERE folder = ? ORDER BY created_at`
		args = append(args, folder)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus transitions a task's status. Completed is terminal: a
// completed task's status is never overwritten, and a once task leaving
// active always drops its next_run.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			next_run = CASE WHEN schedule_type = 'once' AND ? != 'active' THEN NULL ELSE next_run END
		WHERE id = ? AND status != 'completed'`, status, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRunSuccess updates a task after a successful run: clears the error
// and retry state and sets last/next run. A nil nextRun clears the column.
func (s *Store) RecordRunSuccess(ctx context.Context, id string, ranAt time.Time, result string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_run = ?, last_result = ?, last_error = NULL,
			retry_count = 0, next_run = ?
		WHERE id = ? AND status != 'completed'`,
		ranAt.UTC(), nullStr(result), nullTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("record run success: %w", err)
	}
	return nil
}

// RecordRunFailure updates a task after a failed run: stores the error,
// bumps the retry counter, and sets last/next run.
func (s *Store) RecordRunFailure(ctx context.Context, id string, ranAt time.Time, runErr string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_run = ?, last_error = ?, retry_count = retry_count + 1, next_run = ?
		WHERE id = ? AND status != 'completed'`,
		ranAt.UTC(), nullStr(runErr), nullTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("record run failure: %w", err)
	}
	return nil
}

// ResetRetryState clears retry_count and last_error, giving the task a
// fresh retry budget. Used when a task is resumed.
func (s *Store) ResetRetryState(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET retry_count = 0, last_error = NULL
		WHERE id = ? AND status != 'completed'`, id)
	if err != nil {
		return fmt.Errorf("reset retry state: %w", err)
	}
	return nil
}

// SetNextRun updates only the next_run column.
func (s *Store) SetNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_run = ? WHERE id = ? AND status != 'completed'`,
		nullTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its run logs. Deleting a missing task is a
// no-op (idempotent cancel).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task runs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// AppendRun records one run log entry. Run logs for completed tasks are
// rejected to keep the completed state terminal.
func (s *Store) AppendRun(ctx context.Context, r *TaskRun) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, r.TaskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	if status == StatusCompleted {
		return fmt.Errorf("append run: task %s is completed", r.TaskID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.RunAt.UTC(), r.DurationMs, r.Status, nullStr(r.Result), nullStr(r.Error))
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// RecentRuns returns the last n run log entries for a task, newest first.
func (s *Store) RecentRuns(ctx context.Context, taskID string, n int) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_runs WHERE task_id = ? ORDER BY run_at DESC, id DESC LIMIT ?`, taskID, n)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []*TaskRun
	for rows.Next() {
		var r TaskRun
		var result, runErr sql.NullString
		if err := rows.Scan(&r.TaskID, &r.RunAt, &r.DurationMs, &r.Status, &result, &runErr); err != nil {
			return nil, err
		}
		r.Result = result.String
		r.Error = runErr.String
		out = append(out, &r)
	}
	return out, rows.Err()
}
