package record

import (
	"fmt"
	"time"
)

// Task is a synced CRM task, optionally attached to a contact. Ownership and
// tombstone semantics match Contact.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	ContactID *string    `json:"contact_id,omitempty"`
	OwnerID   *string    `json:"owner_id,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks required task fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	return nil
}

// Deleted reports whether the task is a tombstone.
func (t *Task) Deleted() bool {
	return t.DeletedAt != nil
}
