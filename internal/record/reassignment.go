package record

import "time"

// Reassignment is one immutable entry in the ownership audit trail. A row is
// appended for every change to an entity's owner, including from unset to a
// value and back; nil owner ids encode "unowned". Rows are never updated or
// deleted.
type Reassignment struct {
	ID           string    `json:"id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	OldOwnerID   *string   `json:"old_owner_id,omitempty"`
	NewOwnerID   *string   `json:"new_owner_id,omitempty"`
	ReassignedAt time.Time `json:"reassigned_at"`
}
