package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ostapchuk/crmsync/internal/ledger"
	"github.com/ostapchuk/crmsync/internal/record"
)

// CreateTask inserts a new task. A missing id is assigned server-side;
// created_at and updated_at are set to the current time.
func (s *Store) CreateTask(ctx context.Context, t *record.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.DeletedAt = nil

	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	query := `
	INSERT INTO tasks (id, title, contact_id, owner_id, due_at, created_at, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`
	_, err := s.conn.ExecContext(ctx, query,
		t.ID,
		t.Title,
		nullString(t.ContactID),
		nullString(t.OwnerID),
		timeToNullString(t.DueAt),
		record.FormatTimestamp(t.CreatedAt),
		record.FormatTimestamp(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by id, excluding tombstones.
// Returns ErrNotFound if the task doesn't exist or is soft-deleted.
func (s *Store) GetTask(ctx context.Context, id string) (*record.Task, error) {
	query := `
	SELECT id, title, contact_id, owner_id, due_at, created_at, updated_at, deleted_at
	FROM tasks
	WHERE id = ? AND deleted_at IS NULL
	`
	t, err := scanTask(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTask writes the task's mutable fields and bumps updated_at.
// Ownership is excluded: owner changes go through SetTaskOwner.
func (s *Store) UpdateTask(ctx context.Context, t *record.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	t.UpdatedAt = s.now().UTC()

	query := `
	UPDATE tasks
	SET title = ?, contact_id = ?, due_at = ?, updated_at = ?
	WHERE id = ? AND deleted_at IS NULL
	`
	res, err := s.conn.ExecContext(ctx, query,
		t.Title,
		nullString(t.ContactID),
		timeToNullString(t.DueAt),
		record.FormatTimestamp(t.UpdatedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}

	return nil
}

// SoftDeleteTask sets the tombstone and bumps updated_at. Returns the task as
// it was before deletion so the caller can route the push to the owner's room.
func (s *Store) SoftDeleteTask(ctx context.Context, id string) (*record.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	query := `
	UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`
	_, err = s.conn.ExecContext(ctx, query,
		record.FormatTimestamp(now),
		record.FormatTimestamp(now),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to soft-delete task: %w", err)
	}

	return t, nil
}

// SetTaskOwner transfers ownership of a task in one transaction: it updates
// owner_id, bumps updated_at, and appends the reassignment record. If the new
// owner equals the current owner this is a no-op and no record is appended.
func (s *Store) SetTaskOwner(ctx context.Context, id string, newOwnerID *string) (*record.Task, *record.Reassignment, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id FROM tasks WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read task owner: %w", err)
	}

	oldOwnerID := stringPtr(current)
	var rec *record.Reassignment

	if !sameOwner(oldOwnerID, newOwnerID) {
		now := s.now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET owner_id = ?, updated_at = ? WHERE id = ?`,
			nullString(newOwnerID), record.FormatTimestamp(now), id,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to update task owner: %w", err)
		}

		rec, err = ledger.AppendIn(ctx, tx, now, record.EntityTask, id, oldOwnerID, newOwnerID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to record reassignment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return t, rec, nil
}

// scanTask scans one task row.
func scanTask(row scanner) (*record.Task, error) {
	var t record.Task
	var contactID, owner sql.NullString
	var dueAt, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Title, &contactID, &owner, &dueAt, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.ContactID = stringPtr(contactID)
	t.OwnerID = stringPtr(owner)
	t.DueAt = nullStringToTime(dueAt)
	t.DeletedAt = nullStringToTime(deletedAt)

	if ts, err := record.ParseTimestamp(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := record.ParseTimestamp(updatedAt); err == nil {
		t.UpdatedAt = ts
	}

	return &t, nil
}

// listTasks runs a task query.
func (s *Store) listTasks(ctx context.Context, where string, args ...any) ([]*record.Task, error) {
	query := `
	SELECT id, title, contact_id, owner_id, due_at, created_at, updated_at, deleted_at
	FROM tasks
	`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY updated_at ASC, id ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*record.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// TaskSource adapts the task table to the delta query contract.
type TaskSource struct {
	s *Store
}

// TaskSource returns the delta source for tasks.
func (s *Store) TaskSource() *TaskSource {
	return &TaskSource{s: s}
}

// MaxUpdatedAt implements the delta source contract: unscoped, tombstones
// included.
func (ts *TaskSource) MaxUpdatedAt(ctx context.Context) (*time.Time, error) {
	return ts.s.MaxUpdatedAt(ctx, record.EntityTask)
}

// Snapshot returns every task currently visible to the principal, excluding
// tombstones. Used for a client's first sync.
func (ts *TaskSource) Snapshot(ctx context.Context, p record.Principal) ([]json.RawMessage, error) {
	scope, args, err := ownerScope(p)
	if err != nil {
		return nil, err
	}

	where := "deleted_at IS NULL"
	if scope != "" {
		where += " AND " + scope
	}

	tasks, err := ts.s.listTasks(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return marshalTasks(tasks)
}

// ChangedSince returns every task visible to the principal with updated_at
// strictly after the cursor, tombstones included.
func (ts *TaskSource) ChangedSince(ctx context.Context, p record.Principal, cursor time.Time) ([]json.RawMessage, error) {
	scope, args, err := ownerScope(p)
	if err != nil {
		return nil, err
	}

	where := "updated_at > ?"
	queryArgs := []any{record.FormatTimestamp(cursor)}
	if scope != "" {
		where += " AND " + scope
		queryArgs = append(queryArgs, args...)
	}

	tasks, err := ts.s.listTasks(ctx, where, queryArgs...)
	if err != nil {
		return nil, err
	}
	return marshalTasks(tasks)
}

func marshalTasks(tasks []*record.Task) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(tasks))
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
		}
		out = append(out, data)
	}
	return out, nil
}
