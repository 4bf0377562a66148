package record

import "fmt"

// Entity kinds synced by the engine.
const (
	EntityContact = "contact"
	EntityTask    = "task"
)

// Operation describes what a committed mutation did to an entity.
type Operation string

const (
	OpCreated    Operation = "created"
	OpUpdated    Operation = "updated"
	OpDeleted    Operation = "deleted"
	OpReassigned Operation = "reassigned"
)

// EventName builds the push event name for an entity kind and operation,
// e.g. "contact_updated".
func EventName(entityType string, op Operation) string {
	return fmt.Sprintf("%s_%s", entityType, op)
}

// Change describes one committed mutation for the publisher. It is transient:
// built after the database write commits, consumed by a single publish call.
type Change struct {
	EntityType string
	Op         Operation
	EntityID   string

	// Payload is the full current representation of the entity. For deletes
	// the publisher sends only the id.
	Payload any

	// OwnerID is the entity's owner after the write, nil when unowned.
	OwnerID *string

	// PrevOwnerID is the owner before an ownership change. Only consulted
	// when Op is OpReassigned; nil means the entity had no prior owner and
	// no reassigned push is sent.
	PrevOwnerID *string
}
