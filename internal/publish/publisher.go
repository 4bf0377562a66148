// Package publish turns committed mutations into room-scoped push events.
//
// Publish is called only after the triggering database write has committed.
// It is fire-and-forget with respect to correctness: fan-out problems are
// logged and never surfaced to the write, because the pull path is the
// authoritative recovery mechanism.
package publish

import (
	"log"
	"time"

	"github.com/ostapchuk/crmsync/internal/record"
)

// Broadcaster fans an event out to every live connection in a room.
// The connection registry implements it; tests substitute recorders.
type Broadcaster interface {
	Broadcast(room, event string, payload any)
}

// Envelope is the transient description of one push: it exists only for the
// duration of a publish call and is never persisted.
type Envelope struct {
	Event      string
	Payload    any
	Rooms      []string
	OccurredAt time.Time
}

// Publisher resolves the rooms affected by a change and asks the broadcaster
// to fan out.
type Publisher struct {
	broadcaster Broadcaster
	logger      *log.Logger
}

// NewPublisher creates a Publisher.
// If logger is nil, log.Default() is used.
func NewPublisher(b Broadcaster, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{broadcaster: b, logger: logger}
}

// Publish emits the push events for one committed change.
//
// Created/Updated/Deleted go to the admin room plus the current owner's room.
// Reassigned emits two distinct envelopes: a "<type>_reassigned" notice to the
// previous owner's room (skipped when the entity had no prior owner, since
// there is no room to notify, though the audit entry was still written), and a
// "<type>_updated" with the new state to the admin room and the new owner's
// room.
func (p *Publisher) Publish(change record.Change) {
	for _, env := range envelopes(change) {
		for _, room := range env.Rooms {
			p.broadcaster.Broadcast(room, env.Event, env.Payload)
		}
		p.logger.Printf("Published %s to %v", env.Event, env.Rooms)
	}
}

// envelopes resolves a change into its target envelopes.
func envelopes(change record.Change) []Envelope {
	now := time.Now().UTC()

	switch change.Op {
	case record.OpCreated, record.OpUpdated, record.OpDeleted:
		payload := change.Payload
		if change.Op == record.OpDeleted {
			// Deletes carry only the id; the row is gone from the
			// client's perspective.
			payload = map[string]string{"id": change.EntityID}
		}

		rooms := []string{record.RoomAdmin}
		if change.OwnerID != nil {
			rooms = append(rooms, record.OwnerRoom(*change.OwnerID))
		}

		return []Envelope{{
			Event:      record.EventName(change.EntityType, change.Op),
			Payload:    payload,
			Rooms:      rooms,
			OccurredAt: now,
		}}

	case record.OpReassigned:
		var envs []Envelope

		if change.PrevOwnerID != nil {
			envs = append(envs, Envelope{
				Event:      record.EventName(change.EntityType, record.OpReassigned),
				Payload:    change.Payload,
				Rooms:      []string{record.OwnerRoom(*change.PrevOwnerID)},
				OccurredAt: now,
			})
		}

		rooms := []string{record.RoomAdmin}
		if change.OwnerID != nil {
			rooms = append(rooms, record.OwnerRoom(*change.OwnerID))
		}
		envs = append(envs, Envelope{
			Event:      record.EventName(change.EntityType, record.OpUpdated),
			Payload:    change.Payload,
			Rooms:      rooms,
			OccurredAt: now,
		})

		return envs
	}

	return nil
}
