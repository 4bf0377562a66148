// Package ledger provides the append-only ownership audit trail.
//
// Every change to an entity's owner, including from unset to a value, appends
// exactly one record. Records are immutable: the package exposes no update or
// delete operation. The ledger powers both the live "reassigned" push notice
// and the pull path by which a principal that lost ownership while offline
// learns about the loss.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ostapchuk/crmsync/internal/record"
)

// execer is the subset of sql.DB / sql.Tx needed to append a record, so an
// ownership-changing write can append inside its own transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ledger reads and appends reassignment records. The backing table is created
// by the store's InitSchema.
type Ledger struct {
	db *sql.DB

	// now is the clock for server-assigned reassignment timestamps.
	now func() time.Time
}

// New creates a Ledger over an initialized database connection.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// SetClock overrides the timestamp source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Append writes one reassignment record with a server-assigned id and
// timestamp and returns it. Nil owner ids encode "unowned".
func (l *Ledger) Append(ctx context.Context, entityType, entityID string, oldOwnerID, newOwnerID *string) (*record.Reassignment, error) {
	return appendIn(ctx, l.db, l.now(), entityType, entityID, oldOwnerID, newOwnerID)
}

// AppendIn writes one reassignment record inside the caller's transaction.
// The entity write and the audit entry commit or abort together.
func AppendIn(ctx context.Context, tx *sql.Tx, at time.Time, entityType, entityID string, oldOwnerID, newOwnerID *string) (*record.Reassignment, error) {
	return appendIn(ctx, tx, at, entityType, entityID, oldOwnerID, newOwnerID)
}

func appendIn(ctx context.Context, db execer, at time.Time, entityType, entityID string, oldOwnerID, newOwnerID *string) (*record.Reassignment, error) {
	rec := &record.Reassignment{
		ID:           uuid.NewString(),
		EntityType:   entityType,
		EntityID:     entityID,
		OldOwnerID:   oldOwnerID,
		NewOwnerID:   newOwnerID,
		ReassignedAt: at.UTC(),
	}

	query := `
	INSERT INTO reassignments (id, entity_type, entity_id, old_owner_id, new_owner_id, reassigned_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		rec.ID,
		rec.EntityType,
		rec.EntityID,
		ownerArg(rec.OldOwnerID),
		ownerArg(rec.NewOwnerID),
		record.FormatTimestamp(rec.ReassignedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append reassignment for %s %s: %w", entityType, entityID, err)
	}

	return rec, nil
}

// ByOldOwnerSince returns every record of the given entity type whose old
// owner is ownerID and whose reassignment happened strictly after the cursor,
// oldest first. The scope is per entity type because each type's pull cursor
// advances independently. The referenced entity may no longer be visible to
// that owner; the record itself is the signal.
func (l *Ledger) ByOldOwnerSince(ctx context.Context, entityType, ownerID string, cursor time.Time) ([]*record.Reassignment, error) {
	query := `
	SELECT id, entity_type, entity_id, old_owner_id, new_owner_id, reassigned_at
	FROM reassignments
	WHERE entity_type = ? AND old_owner_id = ? AND reassigned_at > ?
	ORDER BY reassigned_at ASC
	`

	rows, err := l.db.QueryContext(ctx, query, entityType, ownerID, record.FormatTimestamp(cursor))
	if err != nil {
		return nil, fmt.Errorf("failed to query reassignments: %w", err)
	}
	defer rows.Close()

	var recs []*record.Reassignment
	for rows.Next() {
		var rec record.Reassignment
		var oldOwner, newOwner sql.NullString
		var reassignedAt string

		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &oldOwner, &newOwner, &reassignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reassignment: %w", err)
		}

		if oldOwner.Valid {
			v := oldOwner.String
			rec.OldOwnerID = &v
		}
		if newOwner.Valid {
			v := newOwner.String
			rec.NewOwnerID = &v
		}

		at, err := record.ParseTimestamp(reassignedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse reassigned_at: %w", err)
		}
		rec.ReassignedAt = at

		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reassignments: %w", err)
	}

	return recs, nil
}

func ownerArg(id *string) sql.NullString {
	if id == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *id, Valid: true}
}
