package record

import (
	"fmt"
	"time"
)

// Contact is a synced CRM contact. OwnerID is mutable and every change to it
// is mirrored by a Reassignment row. DeletedAt is a tombstone: once set it is
// never cleared, and the row keeps participating in cursor scans.
type Contact struct {
	ID        string     `json:"id"`
	FullName  string     `json:"full_name"`
	OwnerID   *string    `json:"owner_id,omitempty"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Phones    []Phone    `json:"phones,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Phone is a child row of a contact. Mutating phones bumps the parent
// contact's UpdatedAt so a single cursor on the contact detects the change.
type Phone struct {
	ID          string `json:"id"`
	ContactID   string `json:"contact_id"`
	PhoneNumber string `json:"phone_number"`
}

// Validate checks required contact fields.
func (c *Contact) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if len(c.FullName) > 500 {
		return fmt.Errorf("full_name must be 500 characters or less (got %d)", len(c.FullName))
	}
	return nil
}

// Deleted reports whether the contact is a tombstone.
func (c *Contact) Deleted() bool {
	return c.DeletedAt != nil
}
