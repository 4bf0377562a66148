// Package crm provides the record write operations that feed the sync
// engine. Each write commits first, then hands the committed state to the
// publisher; ownership changes run through the store's owner-transfer
// transaction so the audit entry commits atomically with the write.
package crm

import (
	"context"
	"log"
	"time"

	"github.com/ostapchuk/crmsync/internal/publish"
	"github.com/ostapchuk/crmsync/internal/record"
	"github.com/ostapchuk/crmsync/internal/store"
)

// Contacts implements the contact write operations.
type Contacts struct {
	store     *store.Store
	publisher *publish.Publisher
	logger    *log.Logger
}

// NewContacts creates the contact service.
// If logger is nil, log.Default() is used.
func NewContacts(s *store.Store, p *publish.Publisher, logger *log.Logger) *Contacts {
	if logger == nil {
		logger = log.Default()
	}
	return &Contacts{store: s, publisher: p, logger: logger}
}

// CreateContactInput carries the fields for a new contact.
type CreateContactInput struct {
	FullName  string
	OwnerID   *string
	BirthDate *time.Time
	Phones    []string
}

// UpdateContactInput carries a partial contact update. Nil fields are left
// untouched. OwnerID is only applied when OwnerSet is true, so "assign to
// nobody" (nil) is distinguishable from "don't change the owner".
type UpdateContactInput struct {
	FullName  *string
	BirthDate *time.Time
	Phones    *[]string
	OwnerID   *string
	OwnerSet  bool
}

// Create inserts a contact and pushes contact_created to the admin room and,
// when owned, the owner's room. The initial owner is part of the entity's
// birth state, not a transfer, so no reassignment is recorded.
func (c *Contacts) Create(ctx context.Context, in CreateContactInput) (*record.Contact, error) {
	contact := &record.Contact{
		FullName:  in.FullName,
		OwnerID:   in.OwnerID,
		BirthDate: in.BirthDate,
	}
	for _, number := range in.Phones {
		contact.Phones = append(contact.Phones, record.Phone{PhoneNumber: number})
	}

	if err := c.store.CreateContact(ctx, contact); err != nil {
		return nil, err
	}

	c.publisher.Publish(record.Change{
		EntityType: record.EntityContact,
		Op:         record.OpCreated,
		EntityID:   contact.ID,
		Payload:    contact,
		OwnerID:    contact.OwnerID,
	})

	return contact, nil
}

// Get returns a contact, excluding tombstones.
func (c *Contacts) Get(ctx context.Context, id string) (*record.Contact, error) {
	return c.store.GetContact(ctx, id)
}

// Update applies a partial update. If the owner changed, the reassignment is
// recorded atomically with the write and the push carries both the
// "reassigned" notice to the previous owner and the new state to the admin
// and new-owner rooms; otherwise a plain contact_updated is pushed.
func (c *Contacts) Update(ctx context.Context, id string, in UpdateContactInput) (*record.Contact, error) {
	contact, err := c.store.GetContact(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.FullName != nil {
		contact.FullName = *in.FullName
	}
	if in.BirthDate != nil {
		contact.BirthDate = in.BirthDate
	}
	if err := c.store.UpdateContact(ctx, contact); err != nil {
		return nil, err
	}

	if in.Phones != nil {
		if _, err := c.store.ReplaceContactPhones(ctx, id, *in.Phones); err != nil {
			return nil, err
		}
	}

	var rec *record.Reassignment
	if in.OwnerSet {
		// The ledger append commits inside this call, so it is durable
		// before the reassigned push below.
		_, rec, err = c.store.SetContactOwner(ctx, id, in.OwnerID)
		if err != nil {
			return nil, err
		}
	}

	contact, err = c.store.GetContact(ctx, id)
	if err != nil {
		return nil, err
	}

	change := record.Change{
		EntityType: record.EntityContact,
		Op:         record.OpUpdated,
		EntityID:   contact.ID,
		Payload:    contact,
		OwnerID:    contact.OwnerID,
	}
	if rec != nil {
		change.Op = record.OpReassigned
		change.PrevOwnerID = rec.OldOwnerID
	}
	c.publisher.Publish(change)

	return contact, nil
}

// Reassign transfers ownership without touching other fields. A transfer to
// the current owner is a no-op: nothing is recorded or pushed.
func (c *Contacts) Reassign(ctx context.Context, id string, newOwnerID *string) (*record.Contact, error) {
	contact, rec, err := c.store.SetContactOwner(ctx, id, newOwnerID)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		c.publisher.Publish(record.Change{
			EntityType:  record.EntityContact,
			Op:          record.OpReassigned,
			EntityID:    contact.ID,
			Payload:     contact,
			OwnerID:     contact.OwnerID,
			PrevOwnerID: rec.OldOwnerID,
		})
	}

	return contact, nil
}

// Delete soft-deletes a contact and pushes contact_deleted. The tombstone
// keeps the row visible to cursor scans.
func (c *Contacts) Delete(ctx context.Context, id string) error {
	contact, err := c.store.SoftDeleteContact(ctx, id)
	if err != nil {
		return err
	}

	c.publisher.Publish(record.Change{
		EntityType: record.EntityContact,
		Op:         record.OpDeleted,
		EntityID:   id,
		OwnerID:    contact.OwnerID,
	})

	return nil
}
