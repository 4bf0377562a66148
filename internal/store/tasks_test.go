package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ostapchuk/crmsync/internal/ledger"
	"github.com/ostapchuk/crmsync/internal/record"
)

// TestCreateTask_AssignsIDAndTimestamps tests insert defaults
func TestCreateTask_AssignsIDAndTimestamps(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	task := &record.Task{Title: "Call back", OwnerID: strPtr("m1"), DueAt: &due}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if task.ID == "" {
		t.Error("CreateTask() did not assign an id")
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "Call back" {
		t.Errorf("Title = %q, want Call back", got.Title)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Errorf("DueAt = %v, want %v", got.DueAt, due)
	}
}

// TestCreateTask_WithContact tests the contact attachment
func TestCreateTask_WithContact(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	c := &record.Contact{FullName: "Ada Lovelace"}
	if err := db.CreateContact(ctx, c); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}

	task := &record.Task{Title: "Call back", ContactID: &c.ID}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.ContactID == nil || *got.ContactID != c.ID {
		t.Errorf("ContactID = %v, want %s", got.ContactID, c.ID)
	}
}

// TestUpdateTask_BumpsUpdatedAt tests the cursor bump on field writes
func TestUpdateTask_BumpsUpdatedAt(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	task := &record.Task{Title: "Call back"}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	created := task.UpdatedAt

	task.Title = "Call back tomorrow"
	if err := db.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("UpdatedAt = %v, want after %v", got.UpdatedAt, created)
	}
}

// TestSoftDeleteTask_Tombstone tests tombstone visibility through the cursor
func TestSoftDeleteTask_Tombstone(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	task := &record.Task{Title: "Call back", OwnerID: strPtr("m1")}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	cursor := task.UpdatedAt

	if _, err := db.SoftDeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("SoftDeleteTask() failed: %v", err)
	}
	if _, err := db.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask() after delete error = %v, want ErrNotFound", err)
	}

	m1 := record.Principal{ID: "m1", Role: record.RoleOwner}
	changed, err := db.TaskSource().ChangedSince(ctx, m1, cursor)
	if err != nil {
		t.Fatalf("ChangedSince() failed: %v", err)
	}
	if len(changed) != 1 {
		t.Fatalf("len(changed) = %d, want 1", len(changed))
	}
	var gone record.Task
	if err := json.Unmarshal(changed[0], &gone); err != nil {
		t.Fatalf("failed to unmarshal tombstone: %v", err)
	}
	if gone.DeletedAt == nil {
		t.Error("cursor scan returned the deleted task without its tombstone")
	}
}

// TestSetTaskOwner_TransferAppendsLedger tests the atomic audit entry
func TestSetTaskOwner_TransferAppendsLedger(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	task := &record.Task{Title: "Call back", OwnerID: strPtr("m1")}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	cursor := task.UpdatedAt

	got, rec, err := db.SetTaskOwner(ctx, task.ID, strPtr("m2"))
	if err != nil {
		t.Fatalf("SetTaskOwner() failed: %v", err)
	}
	if got.OwnerID == nil || *got.OwnerID != "m2" {
		t.Errorf("OwnerID = %v, want m2", got.OwnerID)
	}
	if rec == nil {
		t.Fatal("SetTaskOwner() returned nil reassignment")
	}
	if rec.EntityType != record.EntityTask {
		t.Errorf("EntityType = %q, want %q", rec.EntityType, record.EntityTask)
	}

	recs, err := ledger.New(db.RawDB()).ByOldOwnerSince(ctx, record.EntityTask, "m1", cursor)
	if err != nil {
		t.Fatalf("ByOldOwnerSince() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
}

// TestSetTaskOwner_NoOp tests that transfers to the current owner are silent
func TestSetTaskOwner_NoOp(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	task := &record.Task{Title: "Call back", OwnerID: strPtr("m1")}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	_, rec, err := db.SetTaskOwner(ctx, task.ID, strPtr("m1"))
	if err != nil {
		t.Fatalf("SetTaskOwner() failed: %v", err)
	}
	if rec != nil {
		t.Errorf("SetTaskOwner() recorded a no-op transfer: %+v", rec)
	}
}

// TestTaskSource_SnapshotScope tests per-role first-sync visibility for tasks
func TestTaskSource_SnapshotScope(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	for _, task := range []*record.Task{
		{Title: "Mine", OwnerID: strPtr("m1")},
		{Title: "Theirs", OwnerID: strPtr("m2")},
	} {
		if err := db.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask() failed: %v", err)
		}
	}

	admin, err := db.TaskSource().Snapshot(ctx, record.Principal{ID: "a1", Role: record.RoleAdmin})
	if err != nil {
		t.Fatalf("Snapshot(admin) failed: %v", err)
	}
	if len(admin) != 2 {
		t.Errorf("admin snapshot = %d tasks, want 2", len(admin))
	}

	owner, err := db.TaskSource().Snapshot(ctx, record.Principal{ID: "m1", Role: record.RoleOwner})
	if err != nil {
		t.Fatalf("Snapshot(owner) failed: %v", err)
	}
	if len(owner) != 1 {
		t.Errorf("owner snapshot = %d tasks, want 1", len(owner))
	}
}
