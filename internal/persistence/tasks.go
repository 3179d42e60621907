package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskgate/internal/task"
)

// Event types recorded in the task_events audit trail.
const (
	EventTaskCreated       = "task.created"
	EventTaskStatusChanged = "task.status_changed"
	EventTaskDeleted       = "task.deleted"
)

// TransitionEvent is an immutable audit record: "status changed from A to
// B at time T for task X". Rows survive task deletion.
type TransitionEvent struct {
	EventID    int64       `json:"eventId"`
	TaskID     string      `json:"taskId"`
	OwnerID    string      `json:"ownerId"`
	EventType  string      `json:"eventType"`
	StatusFrom task.Status `json:"statusFrom,omitempty"`
	StatusTo   task.Status `json:"statusTo,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

const taskColumns = `id, title, description, status, priority, confidence_score,
	requires_review, review_notes, reviewed_by_id, was_overridden,
	retry_count, first_attempt_at, error_message,
	created_by_id, agent_id, project_id, assignee_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var (
		t          task.Task
		confidence sql.NullFloat64
		firstAt    sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &confidence,
		&t.RequiresReview, &t.ReviewNotes, &t.ReviewedByID, &t.WasOverridden,
		&t.RetryCount, &firstAt, &t.ErrorMessage,
		&t.CreatedByID, &t.AgentID, &t.ProjectID, &t.AssigneeID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if confidence.Valid {
		v := confidence.Float64
		t.ConfidenceScore = &v
	}
	if firstAt.Valid {
		v := firstAt.Time.UTC()
		t.FirstAttemptAt = &v
	}
	return &t, nil
}

func nullConfidence(t *task.Task) any {
	if t.ConfidenceScore == nil {
		return nil
	}
	return *t.ConfidenceScore
}

func nullFirstAttempt(t *task.Task) any {
	if t.FirstAttemptAt == nil {
		return nil
	}
	return t.FirstAttemptAt.UTC()
}

// CreateTask persists t and its creation event in one transaction.
// t.ID, timestamps, and all derived fields must already be set.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			t.ID, t.Title, t.Description, t.Status, t.Priority, nullConfidence(t),
			t.RequiresReview, t.ReviewNotes, t.ReviewedByID, t.WasOverridden,
			t.RetryCount, nullFirstAttempt(t), t.ErrorMessage,
			t.CreatedByID, t.AgentID, t.ProjectID, t.AssigneeID,
			t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		if err := appendEventTx(ctx, tx, t.ID, t.CreatedByID, EventTaskCreated, "", t.Status); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetTask loads one task scoped to its owner. A missing row and a row
// owned by someone else both return task.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id, ownerID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ? AND created_by_id = ?;
	`, id, ownerID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask runs apply against the current row inside a transaction and
// persists the mutated record as a single atomic write. No reader ever
// observes a partially-applied state. An apply error aborts the
// transaction and is returned unchanged, so the coordinator's typed
// rejections pass through untouched.
//
// When apply changes the status, a transition event row is appended in
// the same transaction. The committed record and the pre-update status
// are returned.
func (s *Store) UpdateTask(ctx context.Context, id, ownerID string, apply func(*task.Task) error) (*task.Task, task.Status, error) {
	var (
		updated *task.Task
		prev    task.Status
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE id = ? AND created_by_id = ?;
		`, id, ownerID)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return task.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load task for update: %w", err)
		}

		prev = t.Status
		if err := apply(t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				title = ?, description = ?, status = ?, priority = ?,
				confidence_score = ?, requires_review = ?, review_notes = ?,
				reviewed_by_id = ?, was_overridden = ?, retry_count = ?,
				first_attempt_at = ?, error_message = ?,
				agent_id = ?, project_id = ?, assignee_id = ?, updated_at = ?
			WHERE id = ? AND created_by_id = ?;
		`,
			t.Title, t.Description, t.Status, t.Priority,
			nullConfidence(t), t.RequiresReview, t.ReviewNotes,
			t.ReviewedByID, t.WasOverridden, t.RetryCount,
			nullFirstAttempt(t), t.ErrorMessage,
			t.AgentID, t.ProjectID, t.AssigneeID, t.UpdatedAt,
			id, ownerID,
		); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		if t.Status != prev {
			if err := appendEventTx(ctx, tx, t.ID, ownerID, EventTaskStatusChanged, prev, t.Status); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update task: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return updated, prev, nil
}

// DeleteTask removes the task unconditionally at any status. The audit
// row outlives the task.
func (s *Store) DeleteTask(ctx context.Context, id, ownerID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE id = ? AND created_by_id = ?;`, id, ownerID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task rows affected: %w", err)
		}
		if n == 0 {
			return task.ErrNotFound
		}
		if err := appendEventTx(ctx, tx, id, ownerID, EventTaskDeleted, "", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListFilter narrows ListTasks. Nil pointer fields mean "no filter".
type ListFilter struct {
	Status         *task.Status
	Priority       *task.Priority
	AgentID        string
	RequiresReview *bool
	HasError       *bool
	IDs            []string

	Page  int // 1-based; values < 1 mean page 1
	Limit int // values < 1 or > 200 clamp to 50 / 200
}

// ListTasks returns one owner-scoped page plus the total match count.
func (s *Store) ListTasks(ctx context.Context, ownerID string, f ListFilter) ([]task.Task, int, error) {
	where := []string{"created_by_id = ?"}
	args := []any{ownerID}

	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	if f.Priority != nil {
		where = append(where, "priority = ?")
		args = append(args, *f.Priority)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.RequiresReview != nil {
		where = append(where, "requires_review = ?")
		args = append(args, *f.RequiresReview)
	}
	if f.HasError != nil {
		if *f.HasError {
			where = append(where, "error_message != ''")
		} else {
			where = append(where, "error_message = ''")
		}
	}
	if len(f.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")
		where = append(where, "id IN ("+placeholders+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE `+cond+`;`, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE `+cond+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?;
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("task rows: %w", err)
	}
	return out, total, nil
}

// AllTasks streams every task in the store to fn, in no particular
// order. Used to rebuild the search index at startup.
func (s *Store) AllTasks(ctx context.Context, fn func(task.Task) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks;`)
	if err != nil {
		return fmt.Errorf("all tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		if err := fn(*t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StatusCounts returns the number of tasks per status across all owners.
func (s *Store) StatusCounts(ctx context.Context) (map[task.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[task.Status]int64)
	for rows.Next() {
		var status task.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func appendEventTx(ctx context.Context, tx *sql.Tx, taskID, ownerID, eventType string, from, to task.Status) error {
	var fromVal, toVal any
	if from != "" {
		fromVal = string(from)
	}
	if to != "" {
		toVal = string(to)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, owner_id, event_type, status_from, status_to)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, ownerID, eventType, fromVal, toVal); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns the audit trail for one task, oldest first,
// owner-scoped like every other read.
func (s *Store) ListTaskEvents(ctx context.Context, taskID, ownerID string, limit int) ([]TransitionEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, owner_id, event_type,
			COALESCE(status_from, ''), COALESCE(status_to, ''), created_at
		FROM task_events
		WHERE task_id = ? AND owner_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TransitionEvent
	for rows.Next() {
		var ev TransitionEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.OwnerID, &ev.EventType,
			&ev.StatusFrom, &ev.StatusTo, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TotalEventCount returns the number of audit rows in the store.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}
