package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ostapchuk/crmsync/internal/ledger"
	"github.com/ostapchuk/crmsync/internal/record"
)

// CreateContact inserts a new contact along with its phone child rows.
// A missing id is assigned server-side; created_at and updated_at are set to
// the current time.
func (s *Store) CreateContact(ctx context.Context, c *record.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.DeletedAt = nil

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid contact: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO contacts (id, full_name, owner_id, birth_date, created_at, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, NULL)
	`
	_, err = tx.ExecContext(ctx, query,
		c.ID,
		c.FullName,
		nullString(c.OwnerID),
		timeToNullString(c.BirthDate),
		record.FormatTimestamp(c.CreatedAt),
		record.FormatTimestamp(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert contact: %w", err)
	}

	for i := range c.Phones {
		if c.Phones[i].ID == "" {
			c.Phones[i].ID = uuid.NewString()
		}
		c.Phones[i].ContactID = c.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO contact_phones (id, contact_id, phone_number) VALUES (?, ?, ?)`,
			c.Phones[i].ID, c.ID, c.Phones[i].PhoneNumber,
		)
		if err != nil {
			return fmt.Errorf("failed to insert contact phone: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetContact retrieves a contact by id, excluding tombstones.
// Returns ErrNotFound if the contact doesn't exist or is soft-deleted.
func (s *Store) GetContact(ctx context.Context, id string) (*record.Contact, error) {
	query := `
	SELECT id, full_name, owner_id, birth_date, created_at, updated_at, deleted_at
	FROM contacts
	WHERE id = ? AND deleted_at IS NULL
	`
	c, err := scanContact(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	phones, err := s.contactPhones(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.Phones = phones[c.ID]

	return c, nil
}

// UpdateContact writes the contact's mutable fields and bumps updated_at.
// Ownership is excluded: owner changes go through SetContactOwner so the
// audit entry is written atomically with the change.
func (s *Store) UpdateContact(ctx context.Context, c *record.Contact) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid contact: %w", err)
	}

	c.UpdatedAt = s.now().UTC()

	query := `
	UPDATE contacts
	SET full_name = ?, birth_date = ?, updated_at = ?
	WHERE id = ? AND deleted_at IS NULL
	`
	res, err := s.conn.ExecContext(ctx, query,
		c.FullName,
		timeToNullString(c.BirthDate),
		record.FormatTimestamp(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("contact %s: %w", c.ID, ErrNotFound)
	}

	return nil
}

// ReplaceContactPhones swaps the contact's phone child rows for the given
// numbers and bumps the parent's updated_at in the same transaction, so a
// single cursor on the contact detects the change.
func (s *Store) ReplaceContactPhones(ctx context.Context, contactID string, numbers []string) ([]record.Phone, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE contacts SET updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		record.FormatTimestamp(s.now().UTC()), contactID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bump contact updated_at: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_phones WHERE contact_id = ?`, contactID); err != nil {
		return nil, fmt.Errorf("failed to clear contact phones: %w", err)
	}

	phones := make([]record.Phone, 0, len(numbers))
	for _, number := range numbers {
		phone := record.Phone{
			ID:          uuid.NewString(),
			ContactID:   contactID,
			PhoneNumber: number,
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contact_phones (id, contact_id, phone_number) VALUES (?, ?, ?)`,
			phone.ID, phone.ContactID, phone.PhoneNumber,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert contact phone: %w", err)
		}
		phones = append(phones, phone)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return phones, nil
}

// SoftDeleteContact sets the tombstone and bumps updated_at. The row is kept
// so cursor scans can signal the deletion to lagging clients.
// Returns the contact as it was before deletion so the caller can route the
// push to the owner's room.
func (s *Store) SoftDeleteContact(ctx context.Context, id string) (*record.Contact, error) {
	c, err := s.GetContact(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	query := `
	UPDATE contacts SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`
	_, err = s.conn.ExecContext(ctx, query,
		record.FormatTimestamp(now),
		record.FormatTimestamp(now),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to soft-delete contact: %w", err)
	}

	return c, nil
}

// SetContactOwner transfers ownership of a contact in one transaction: it
// updates owner_id, bumps updated_at, and appends the reassignment record.
// If the new owner equals the current owner this is a no-op and no record is
// appended.
//
// The returned reassignment is nil for the no-op case.
func (s *Store) SetContactOwner(ctx context.Context, id string, newOwnerID *string) (*record.Contact, *record.Reassignment, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id FROM contacts WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read contact owner: %w", err)
	}

	oldOwnerID := stringPtr(current)
	var rec *record.Reassignment

	if !sameOwner(oldOwnerID, newOwnerID) {
		now := s.now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE contacts SET owner_id = ?, updated_at = ? WHERE id = ?`,
			nullString(newOwnerID), record.FormatTimestamp(now), id,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to update contact owner: %w", err)
		}

		rec, err = ledger.AppendIn(ctx, tx, now, record.EntityContact, id, oldOwnerID, newOwnerID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to record reassignment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	c, err := s.GetContact(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return c, rec, nil
}

// sameOwner compares two nullable owner ids.
func sameOwner(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

// scanContact scans one contact row (without phones).
func scanContact(row scanner) (*record.Contact, error) {
	var c record.Contact
	var owner sql.NullString
	var birthDate, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.FullName, &owner, &birthDate, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	c.OwnerID = stringPtr(owner)
	c.BirthDate = nullStringToTime(birthDate)
	c.DeletedAt = nullStringToTime(deletedAt)

	if t, err := record.ParseTimestamp(createdAt); err == nil {
		c.CreatedAt = t
	}
	if t, err := record.ParseTimestamp(updatedAt); err == nil {
		c.UpdatedAt = t
	}

	return &c, nil
}

// contactPhones loads phones for the given contact ids, keyed by contact id.
func (s *Store) contactPhones(ctx context.Context, contactIDs []string) (map[string][]record.Phone, error) {
	if len(contactIDs) == 0 {
		return map[string][]record.Phone{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(contactIDs)), ", ")
	query := fmt.Sprintf(
		`SELECT id, contact_id, phone_number FROM contact_phones WHERE contact_id IN (%s) ORDER BY id`,
		placeholders,
	)

	args := make([]any, len(contactIDs))
	for i, id := range contactIDs {
		args[i] = id
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact phones: %w", err)
	}
	defer rows.Close()

	phones := make(map[string][]record.Phone)
	for rows.Next() {
		var p record.Phone
		if err := rows.Scan(&p.ID, &p.ContactID, &p.PhoneNumber); err != nil {
			return nil, fmt.Errorf("failed to scan contact phone: %w", err)
		}
		phones[p.ContactID] = append(phones[p.ContactID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contact phones: %w", err)
	}

	return phones, nil
}

// listContacts runs a contact query and loads phones for the result set.
func (s *Store) listContacts(ctx context.Context, where string, args ...any) ([]*record.Contact, error) {
	query := `
	SELECT id, full_name, owner_id, birth_date, created_at, updated_at, deleted_at
	FROM contacts
	`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY updated_at ASC, id ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*record.Contact
	var ids []string
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contacts: %w", err)
	}

	phones, err := s.contactPhones(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		c.Phones = phones[c.ID]
	}

	return contacts, nil
}

// ContactSource adapts the contact table to the delta query contract.
type ContactSource struct {
	s *Store
}

// ContactSource returns the delta source for contacts.
func (s *Store) ContactSource() *ContactSource {
	return &ContactSource{s: s}
}

// MaxUpdatedAt implements the delta source contract: unscoped, tombstones
// included.
func (cs *ContactSource) MaxUpdatedAt(ctx context.Context) (*time.Time, error) {
	return cs.s.MaxUpdatedAt(ctx, record.EntityContact)
}

// Snapshot returns every contact currently visible to the principal,
// excluding tombstones. Used for a client's first sync.
func (cs *ContactSource) Snapshot(ctx context.Context, p record.Principal) ([]json.RawMessage, error) {
	scope, args, err := ownerScope(p)
	if err != nil {
		return nil, err
	}

	where := "deleted_at IS NULL"
	if scope != "" {
		where += " AND " + scope
	}

	contacts, err := cs.s.listContacts(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return marshalContacts(contacts)
}

// ChangedSince returns every contact visible to the principal with
// updated_at strictly after the cursor, tombstones included.
func (cs *ContactSource) ChangedSince(ctx context.Context, p record.Principal, cursor time.Time) ([]json.RawMessage, error) {
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

	contacts, err := cs.s.listContacts(ctx, where, queryArgs...)
	if err != nil {
		return nil, err
	}
	return marshalContacts(contacts)
}

func marshalContacts(contacts []*record.Contact) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(contacts))
	for _, c := range contacts {
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal contact %s: %w", c.ID, err)
		}
		out = append(out, data)
	}
	return out, nil
}
