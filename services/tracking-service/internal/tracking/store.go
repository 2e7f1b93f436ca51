package tracking

import (
	"context"
	"time"

	"github.com/tareqmahmud/libraryfeed/events"
)

// Record is the persisted projection of one ChangeEvent. The event id is
// the primary key; records are never mutated or deleted by this subsystem.
type Record struct {
	EventID     string            `json:"event_id"`
	EventType   events.EventType  `json:"event_type"`
	EntityKind  events.EntityKind `json:"entity_kind"`
	EntityID    string            `json:"entity_id"`
	Payload     map[string]any    `json:"payload,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	ProcessedAt time.Time         `json:"processed_at"`
}

func FromEvent(evt events.ChangeEvent, processedAt time.Time) Record {
	return Record{
		EventID:     evt.EventID,
		EventType:   evt.EventType,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		Payload:     evt.Payload,
		OccurredAt:  evt.OccurredAt,
		ProcessedAt: processedAt,
	}
}

// Store turns at-least-once delivery into effectively-once storage: under
// concurrent callers on the same event id exactly one insert wins and the
// rest observe inserted=false.
type Store interface {
	// UpsertIfAbsent inserts the record unless one with the same event id
	// already exists. inserted=false with a nil error is the duplicate case.
	UpsertIfAbsent(ctx context.Context, rec Record) (inserted bool, err error)
	Exists(ctx context.Context, eventID string) (bool, error)
	// ListByEntity returns all records for one entity ordered by occurred_at
	// ascending, most recent last.
	ListByEntity(ctx context.Context, kind events.EntityKind, entityID string) ([]Record, error)
}
