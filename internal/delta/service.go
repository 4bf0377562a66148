// Package delta answers "what changed since cursor C, visible to principal P"
// pull queries.
//
// Pull requests are stateless single request/response pairs: no session is
// held between requests, so a client may poll at any interval, abandon a
// cursor, or resume after an arbitrary gap. The pull path is the engine's
// authoritative recovery mechanism for anything the best-effort push dropped.
package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ostapchuk/crmsync/internal/record"
)

// ErrUnknownEntity is returned for entity types no source is registered for.
var ErrUnknownEntity = errors.New("unknown entity type")

// Source answers the cursor queries for one synced entity type. The store
// implements it per table.
type Source interface {
	// MaxUpdatedAt is the largest updated_at over the whole table,
	// unscoped and including tombstones. Nil when the table is empty.
	MaxUpdatedAt(ctx context.Context) (*time.Time, error)

	// Snapshot returns every entity currently visible to the principal,
	// excluding tombstones. Serves a client's first sync.
	Snapshot(ctx context.Context, p record.Principal) ([]json.RawMessage, error)

	// ChangedSince returns every entity currently visible to the
	// principal with updated_at strictly after the cursor, tombstones
	// included so lagging clients learn about deletions.
	ChangedSince(ctx context.Context, p record.Principal, cursor time.Time) ([]json.RawMessage, error)
}

// ReassignmentLog is the slice of the ledger the sync service reads.
type ReassignmentLog interface {
	ByOldOwnerSince(ctx context.Context, entityType, ownerID string, cursor time.Time) ([]*record.Reassignment, error)
}

// Delta is one consistent pull response.
type Delta struct {
	// NewCursor is the unscoped max(updated_at) for the entity type at
	// query time, nil when the table is empty. It advances even when no
	// visible rows are returned, so a client never rescans unrelated
	// churn indefinitely.
	NewCursor *time.Time

	// Entities are the full representations of the changed (or, on first
	// sync, all visible) entities. A row with deleted_at set is a
	// tombstone the client must remove locally.
	Entities []json.RawMessage

	// Reassignments are the ledger entries telling an owner it lost
	// entities since the cursor, even though those entities are no longer
	// in its visible scope.
	Reassignments []*record.Reassignment
}

// Service dispatches pull queries to per-entity-type sources.
type Service struct {
	sources map[string]Source
	ledger  ReassignmentLog
	logger  *log.Logger
}

// NewService creates the sync service over the registered sources.
// If logger is nil, log.Default() is used.
func NewService(sources map[string]Source, ledger ReassignmentLog, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		sources: sources,
		ledger:  ledger,
		logger:  logger,
	}
}

// FetchDelta answers one pull query.
//
// Without a cursor the response is a full snapshot of the principal's current
// scope. With a cursor it is every visible row changed strictly after it,
// tombstones included, plus the reassignment records that tell an owner what
// it lost. Visibility is evaluated as of now, not as of the cursor: a
// principal that both gained and lost visibility of an entity between two
// syncs sees only the net current state, except for the explicit
// reassignment record.
//
// An error means the caller must not advance its cursor; a partial fetch
// never skips changes.
func (s *Service) FetchDelta(ctx context.Context, entityType string, p record.Principal, cursor *time.Time) (*Delta, error) {
	source, ok := s.sources[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid principal: %w", err)
	}

	serverMax, err := source.MaxUpdatedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute server cursor: %w", err)
	}

	delta := &Delta{NewCursor: serverMax}

	if cursor == nil {
		entities, err := source.Snapshot(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
		}
		delta.Entities = entities
		s.logger.Printf("Snapshot %s for %s/%s: %d entities", entityType, p.Role, p.ID, len(entities))
		return delta, nil
	}

	entities, err := source.ChangedSince(ctx, p, *cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}
	delta.Entities = entities

	// Only owners lose scope through reassignment; admins see everything
	// regardless, so there is no loss to report.
	if p.Role == record.RoleOwner {
		recs, err := s.ledger.ByOldOwnerSince(ctx, entityType, p.ID, *cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch reassignments: %w", err)
		}
		delta.Reassignments = recs
	}

	s.logger.Printf("Delta %s for %s/%s since %s: %d entities, %d reassignments",
		entityType, p.Role, p.ID, record.FormatTimestamp(*cursor), len(delta.Entities), len(delta.Reassignments))

	return delta, nil
}
