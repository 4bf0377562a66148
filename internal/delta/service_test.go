package delta_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ostapchuk/crmsync/internal/delta"
	"github.com/ostapchuk/crmsync/internal/ledger"
	"github.com/ostapchuk/crmsync/internal/record"
	"github.com/ostapchuk/crmsync/internal/store"
)

// testEnv wires a real database into a sync service for tests
type testEnv struct {
	db      *store.Store
	audit   *ledger.Ledger
	service *delta.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	audit := ledger.New(db.RawDB())
	service := delta.NewService(map[string]delta.Source{
		record.EntityContact: db.ContactSource(),
		record.EntityTask:    db.TaskSource(),
	}, audit, nil)

	return &testEnv{db: db, audit: audit, service: service}
}

func strPtr(s string) *string {
	return &s
}

func contactNames(t *testing.T, raws []json.RawMessage) []string {
	t.Helper()
	var names []string
	for _, raw := range raws {
		var c record.Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			t.Fatalf("failed to unmarshal contact: %v", err)
		}
		names = append(names, c.FullName)
	}
	return names
}

var (
	admin = record.Principal{ID: "a1", Role: record.RoleAdmin}
	m1    = record.Principal{ID: "m1", Role: record.RoleOwner}
	m2    = record.Principal{ID: "m2", Role: record.RoleOwner}
)

// TestFetchDelta_UnknownEntity tests the closed entity type set
func TestFetchDelta_UnknownEntity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.FetchDelta(context.Background(), "invoice", admin, nil)
	if !errors.Is(err, delta.ErrUnknownEntity) {
		t.Errorf("FetchDelta(invoice) error = %v, want ErrUnknownEntity", err)
	}
}

// TestFetchDelta_InvalidPrincipal tests principal validation
func TestFetchDelta_InvalidPrincipal(t *testing.T) {
	env := newTestEnv(t)

	bad := record.Principal{Role: record.RoleOwner}
	if _, err := env.service.FetchDelta(context.Background(), record.EntityContact, bad, nil); err == nil {
		t.Error("FetchDelta() accepted an owner principal without an id")
	}
}

// TestFetchDelta_FirstSyncSnapshot tests the no-cursor full snapshot
func TestFetchDelta_FirstSyncSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, c := range []*record.Contact{
		{FullName: "Mine", OwnerID: strPtr("m1")},
		{FullName: "Theirs", OwnerID: strPtr("m2")},
		{FullName: "Nobody's"},
	} {
		if err := env.db.CreateContact(ctx, c); err != nil {
			t.Fatalf("CreateContact() failed: %v", err)
		}
	}

	d, err := env.service.FetchDelta(ctx, record.EntityContact, m1, nil)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	if names := contactNames(t, d.Entities); len(names) != 1 || names[0] != "Mine" {
		t.Errorf("owner snapshot = %v, want [Mine]", names)
	}
	if d.NewCursor == nil {
		t.Fatal("NewCursor is nil for a populated table")
	}
	if d.Reassignments != nil {
		t.Errorf("snapshot carried reassignments: %v", d.Reassignments)
	}

	d, err = env.service.FetchDelta(ctx, record.EntityContact, admin, nil)
	if err != nil {
		t.Fatalf("FetchDelta(admin) failed: %v", err)
	}
	if len(d.Entities) != 3 {
		t.Errorf("admin snapshot = %d entities, want 3", len(d.Entities))
	}
}

// TestFetchDelta_EmptyTable tests that an empty table yields a nil cursor
func TestFetchDelta_EmptyTable(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.service.FetchDelta(context.Background(), record.EntityContact, admin, nil)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	if d.NewCursor != nil {
		t.Errorf("NewCursor = %v, want nil for empty table", d.NewCursor)
	}
	if len(d.Entities) != 0 {
		t.Errorf("len(Entities) = %d, want 0", len(d.Entities))
	}
}

// TestFetchDelta_CursorIsExclusive tests that a row at exactly the cursor is
// not returned again
func TestFetchDelta_CursorIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &record.Contact{FullName: "Mine", OwnerID: strPtr("m1")}
	if err := env.db.CreateContact(ctx, c); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}

	first, err := env.service.FetchDelta(ctx, record.EntityContact, m1, nil)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}

	second, err := env.service.FetchDelta(ctx, record.EntityContact, m1, first.NewCursor)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	if len(second.Entities) != 0 {
		t.Errorf("len(Entities) = %d after syncing to the cursor, want 0", len(second.Entities))
	}
	if second.NewCursor == nil || !second.NewCursor.Equal(*first.NewCursor) {
		t.Errorf("NewCursor = %v, want unchanged %v", second.NewCursor, first.NewCursor)
	}
}

// TestFetchDelta_NoMissedChanges tests that everything written after a cursor
// shows up in the next fetch, including deletions
func TestFetchDelta_NoMissedChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	keep := &record.Contact{FullName: "Keep", OwnerID: strPtr("m1")}
	if err := env.db.CreateContact(ctx, keep); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}

	first, err := env.service.FetchDelta(ctx, record.EntityContact, m1, nil)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	cursor := first.NewCursor

	// A burst of changes between two syncs.
	added := &record.Contact{FullName: "Added", OwnerID: strPtr("m1")}
	if err := env.db.CreateContact(ctx, added); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}
	keep.FullName = "Kept and renamed"
	if err := env.db.UpdateContact(ctx, keep); err != nil {
		t.Fatalf("UpdateContact() failed: %v", err)
	}
	if _, err := env.db.SoftDeleteContact(ctx, added.ID); err != nil {
		t.Fatalf("SoftDeleteContact() failed: %v", err)
	}

	d, err := env.service.FetchDelta(ctx, record.EntityContact, m1, cursor)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	if len(d.Entities) != 2 {
		t.Fatalf("len(Entities) = %d, want 2 (rename + tombstone)", len(d.Entities))
	}

	var sawTombstone, sawRename bool
	for _, raw := range d.Entities {
		var c record.Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			t.Fatalf("failed to unmarshal contact: %v", err)
		}
		if c.ID == added.ID && c.DeletedAt != nil {
			sawTombstone = true
		}
		if c.ID == keep.ID && c.FullName == "Kept and renamed" {
			sawRename = true
		}
	}
	if !sawTombstone {
		t.Error("delta missed the tombstone")
	}
	if !sawRename {
		t.Error("delta missed the rename")
	}
}

// TestFetchDelta_CursorAdvancesOnInvisibleChurn tests that the returned
// cursor reflects writes outside the principal's scope
func TestFetchDelta_CursorAdvancesOnInvisibleChurn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mine := &record.Contact{FullName: "Mine", OwnerID: strPtr("m1")}
	if err := env.db.CreateContact(ctx, mine); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}
	first, err := env.service.FetchDelta(ctx, record.EntityContact, m1, nil)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}

	// Churn entirely in another owner's scope.
	theirs := &record.Contact{FullName: "Theirs", OwnerID: strPtr("m2")}
	if err := env.db.CreateContact(ctx, theirs); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}

	d, err := env.service.FetchDelta(ctx, record.EntityContact, m1, first.NewCursor)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	if len(d.Entities) != 0 {
		t.Errorf("len(Entities) = %d, want 0", len(d.Entities))
	}
	if d.NewCursor == nil || !d.NewCursor.After(*first.NewCursor) {
		t.Errorf("NewCursor = %v, want after %v despite invisible churn", d.NewCursor, first.NewCursor)
	}
}

// TestFetchDelta_ReassignmentVisibleToOldOwner tests that an owner who lost
// an entity while offline learns about it from the reassignment record, even
// though the entity itself is outside its scope
func TestFetchDelta_ReassignmentVisibleToOldOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &record.Contact{FullName: "Contested", OwnerID: strPtr("m1")}
	if err := env.db.CreateContact(ctx, c); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}
	synced, err := env.service.FetchDelta(ctx, record.EntityContact, m1, nil)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}

	// m1 goes offline; the contact is transferred to m2.
	if _, _, err := env.db.SetContactOwner(ctx, c.ID, strPtr("m2")); err != nil {
		t.Fatalf("SetContactOwner() failed: %v", err)
	}

	d, err := env.service.FetchDelta(ctx, record.EntityContact, m1, synced.NewCursor)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	if len(d.Entities) != 0 {
		t.Errorf("old owner still sees %d entities after transfer, want 0", len(d.Entities))
	}
	if len(d.Reassignments) != 1 {
		t.Fatalf("len(Reassignments) = %d, want 1", len(d.Reassignments))
	}
	rec := d.Reassignments[0]
	if rec.EntityID != c.ID {
		t.Errorf("reassignment EntityID = %q, want %q", rec.EntityID, c.ID)
	}
	if rec.OldOwnerID == nil || *rec.OldOwnerID != "m1" {
		t.Errorf("OldOwnerID = %v, want m1", rec.OldOwnerID)
	}
	if rec.NewOwnerID == nil || *rec.NewOwnerID != "m2" {
		t.Errorf("NewOwnerID = %v, want m2", rec.NewOwnerID)
	}

	// The gaining owner sees the entity itself, no reassignment record.
	gained, err := env.service.FetchDelta(ctx, record.EntityContact, m2, synced.NewCursor)
	if err != nil {
		t.Fatalf("FetchDelta(m2) failed: %v", err)
	}
	if len(gained.Entities) != 1 {
		t.Errorf("new owner sees %d entities, want 1", len(gained.Entities))
	}
	if len(gained.Reassignments) != 0 {
		t.Errorf("new owner got %d reassignments, want 0", len(gained.Reassignments))
	}
}

// TestFetchDelta_ReassignmentsScopedToEntityType tests that losing a contact
// and a task at once surfaces each record only on its own type's endpoint
func TestFetchDelta_ReassignmentsScopedToEntityType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &record.Contact{FullName: "Contested", OwnerID: strPtr("m1")}
	if err := env.db.CreateContact(ctx, c); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}
	task := &record.Task{Title: "Follow up", OwnerID: strPtr("m1")}
	if err := env.db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	contactSync, err := env.service.FetchDelta(ctx, record.EntityContact, m1, nil)
	if err != nil {
		t.Fatalf("FetchDelta(contact) failed: %v", err)
	}
	taskSync, err := env.service.FetchDelta(ctx, record.EntityTask, m1, nil)
	if err != nil {
		t.Fatalf("FetchDelta(task) failed: %v", err)
	}

	// m1 goes offline; both entities move to m2.
	if _, _, err := env.db.SetContactOwner(ctx, c.ID, strPtr("m2")); err != nil {
		t.Fatalf("SetContactOwner() failed: %v", err)
	}
	if _, _, err := env.db.SetTaskOwner(ctx, task.ID, strPtr("m2")); err != nil {
		t.Fatalf("SetTaskOwner() failed: %v", err)
	}

	d, err := env.service.FetchDelta(ctx, record.EntityContact, m1, contactSync.NewCursor)
	if err != nil {
		t.Fatalf("FetchDelta(contact) failed: %v", err)
	}
	if len(d.Reassignments) != 1 {
		t.Fatalf("contact delta carried %d reassignments, want 1", len(d.Reassignments))
	}
	if got := d.Reassignments[0]; got.EntityType != record.EntityContact || got.EntityID != c.ID {
		t.Errorf("contact delta carried %s %s, want contact %s", got.EntityType, got.EntityID, c.ID)
	}

	d, err = env.service.FetchDelta(ctx, record.EntityTask, m1, taskSync.NewCursor)
	if err != nil {
		t.Fatalf("FetchDelta(task) failed: %v", err)
	}
	if len(d.Reassignments) != 1 {
		t.Fatalf("task delta carried %d reassignments, want 1", len(d.Reassignments))
	}
	if got := d.Reassignments[0]; got.EntityType != record.EntityTask || got.EntityID != task.ID {
		t.Errorf("task delta carried %s %s, want task %s", got.EntityType, got.EntityID, task.ID)
	}
}

// TestFetchDelta_AdminNeverGetsReassignments tests that admins, who never
// lose scope, get no reassignment records
func TestFetchDelta_AdminNeverGetsReassignments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &record.Contact{FullName: "Contested", OwnerID: strPtr("m1")}
	if err := env.db.CreateContact(ctx, c); err != nil {
		t.Fatalf("CreateContact() failed: %v", err)
	}
	synced, err := env.service.FetchDelta(ctx, record.EntityContact, admin, nil)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}

	if _, _, err := env.db.SetContactOwner(ctx, c.ID, strPtr("m2")); err != nil {
		t.Fatalf("SetContactOwner() failed: %v", err)
	}

	d, err := env.service.FetchDelta(ctx, record.EntityContact, admin, synced.NewCursor)
	if err != nil {
		t.Fatalf("FetchDelta() failed: %v", err)
	}
	if len(d.Entities) != 1 {
		t.Errorf("admin sees %d entities, want 1", len(d.Entities))
	}
	if len(d.Reassignments) != 0 {
		t.Errorf("admin got %d reassignments, want 0", len(d.Reassignments))
	}
}

// TestFetchDelta_CursorMonotonicity tests that repeated fetches never move
// the cursor backwards
func TestFetchDelta_CursorMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var cursor *time.Time
	for i := 0; i < 5; i++ {
		c := &record.Contact{FullName: "Churn", OwnerID: strPtr("m2")}
		if err := env.db.CreateContact(ctx, c); err != nil {
			t.Fatalf("CreateContact() failed: %v", err)
		}

		d, err := env.service.FetchDelta(ctx, record.EntityContact, m1, cursor)
		if err != nil {
			t.Fatalf("FetchDelta() failed: %v", err)
		}
		if cursor != nil && d.NewCursor.Before(*cursor) {
			t.Fatalf("cursor moved backwards: %v -> %v", cursor, d.NewCursor)
		}
		cursor = d.NewCursor
	}
}
