// Package record provides the shared domain types for the sync engine:
// principals, rooms, change operations, the synced entity kinds, and
// reassignment audit records.
package record

import (
	"fmt"
	"time"
)

// Role identifies the access level of a Principal. The set is closed:
// room selection and visibility filtering both switch exhaustively on it.
type Role string

const (
	// RoleAdmin sees every entity and joins the shared admin room.
	RoleAdmin Role = "admin"

	// RoleOwner sees only entities it currently owns and joins its
	// private owner room.
	RoleOwner Role = "owner"
)

// Principal is the authenticated identity a connection or pull request acts
// on behalf of. It is produced by token verification and never persisted.
type Principal struct {
	ID   string
	Role Role
}

// Validate checks that the principal has a known role and, for owners, an id.
func (p Principal) Validate() error {
	switch p.Role {
	case RoleAdmin:
		return nil
	case RoleOwner:
		if p.ID == "" {
			return fmt.Errorf("owner principal requires an id")
		}
		return nil
	default:
		return fmt.Errorf("unknown role: %q", p.Role)
	}
}

// RoomAdmin is the single broadcast room shared by all admin principals.
const RoomAdmin = "admin"

// OwnerRoom returns the private broadcast room for an owner principal.
func OwnerRoom(ownerID string) string {
	return "owner_" + ownerID
}

// Rooms returns the broadcast rooms a principal joins at connect time.
// Membership is derived purely from the principal; it is never stored.
func (p Principal) Rooms() ([]string, error) {
	switch p.Role {
	case RoleAdmin:
		return []string{RoomAdmin}, nil
	case RoleOwner:
		if p.ID == "" {
			return nil, fmt.Errorf("owner principal requires an id")
		}
		return []string{OwnerRoom(p.ID)}, nil
	default:
		return nil, fmt.Errorf("unknown role: %q", p.Role)
	}
}

// TimestampLayout is the canonical storage and cursor format for timestamps.
// It is fixed-width UTC so that lexicographic comparison in SQL matches
// chronological order; RFC3339Nano trims trailing zeros and does not.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in the canonical cursor layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a timestamp in either the canonical layout or
// RFC3339Nano, which clients commonly send back unmodified.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
