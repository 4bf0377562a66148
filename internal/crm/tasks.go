package crm

import (
	"context"
	"log"
	"time"

	"github.com/ostapchuk/crmsync/internal/publish"
	"github.com/ostapchuk/crmsync/internal/record"
	"github.com/ostapchuk/crmsync/internal/store"
)

// Tasks implements the task write operations.
type Tasks struct {
	store     *store.Store
	publisher *publish.Publisher
	logger    *log.Logger
}

// NewTasks creates the task service.
// If logger is nil, log.Default() is used.
func NewTasks(s *store.Store, p *publish.Publisher, logger *log.Logger) *Tasks {
	if logger == nil {
		logger = log.Default()
	}
	return &Tasks{store: s, publisher: p, logger: logger}
}

// CreateTaskInput carries the fields for a new task.
type CreateTaskInput struct {
	Title     string
	ContactID *string
	OwnerID   *string
	DueAt     *time.Time
}

// UpdateTaskInput carries a partial task update. Nil fields are left
// untouched; OwnerID applies only when OwnerSet is true.
type UpdateTaskInput struct {
	Title     *string
	ContactID *string
	DueAt     *time.Time
	OwnerID   *string
	OwnerSet  bool
}

// Create inserts a task and pushes task_created.
func (t *Tasks) Create(ctx context.Context, in CreateTaskInput) (*record.Task, error) {
	task := &record.Task{
		Title:     in.Title,
		ContactID: in.ContactID,
		OwnerID:   in.OwnerID,
		DueAt:     in.DueAt,
	}

	if err := t.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	t.publisher.Publish(record.Change{
		EntityType: record.EntityTask,
		Op:         record.OpCreated,
		EntityID:   task.ID,
		Payload:    task,
		OwnerID:    task.OwnerID,
	})

	return task, nil
}

// Get returns a task, excluding tombstones.
func (t *Tasks) Get(ctx context.Context, id string) (*record.Task, error) {
	return t.store.GetTask(ctx, id)
}

// Update applies a partial update, recording and publishing an ownership
// transfer when the owner changed.
func (t *Tasks) Update(ctx context.Context, id string, in UpdateTaskInput) (*record.Task, error) {
	task, err := t.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		task.Title = *in.Title
	}
	if in.ContactID != nil {
		task.ContactID = in.ContactID
	}
	if in.DueAt != nil {
		task.DueAt = in.DueAt
	}
	if err := t.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	var rec *record.Reassignment
	if in.OwnerSet {
		_, rec, err = t.store.SetTaskOwner(ctx, id, in.OwnerID)
		if err != nil {
			return nil, err
		}
	}

	task, err = t.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	change := record.Change{
		EntityType: record.EntityTask,
		Op:         record.OpUpdated,
		EntityID:   task.ID,
		Payload:    task,
		OwnerID:    task.OwnerID,
	}
	if rec != nil {
		change.Op = record.OpReassigned
		change.PrevOwnerID = rec.OldOwnerID
	}
	t.publisher.Publish(change)

	return task, nil
}

// Reassign transfers ownership without touching other fields.
func (t *Tasks) Reassign(ctx context.Context, id string, newOwnerID *string) (*record.Task, error) {
	task, rec, err := t.store.SetTaskOwner(ctx, id, newOwnerID)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		t.publisher.Publish(record.Change{
			EntityType:  record.EntityTask,
			Op:          record.OpReassigned,
			EntityID:    task.ID,
			Payload:     task,
			OwnerID:     task.OwnerID,
			PrevOwnerID: rec.OldOwnerID,
		})
	}

	return task, nil
}

// Delete soft-deletes a task and pushes task_deleted.
func (t *Tasks) Delete(ctx context.Context, id string) error {
	task, err := t.store.SoftDeleteTask(ctx, id)
	if err != nil {
		return err
	}

	t.publisher.Publish(record.Change{
		EntityType: record.EntityTask,
		Op:         record.OpDeleted,
		EntityID:   id,
		OwnerID:    task.OwnerID,
	})

	return nil
}
