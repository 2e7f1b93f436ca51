package events

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the highest envelope version this codebase understands.
const SchemaVersion = 1

type EventType string

const (
	EventCreated EventType = "entity-created"
	EventUpdated EventType = "entity-updated"
	EventDeleted EventType = "entity-deleted"
)

type EntityKind string

const (
	KindBook   EntityKind = "book"
	KindAuthor EntityKind = "author"
)

// ChangeEvent is the immutable fact emitted after a catalog mutation
// commits. EventID is never reused; consumers treat re-delivery of the
// same EventID as a no-op.
type ChangeEvent struct {
	EventID       string         `json:"event_id"`
	EventType     EventType      `json:"event_type"`
	EntityKind    EntityKind     `json:"entity_kind"`
	EntityID      string         `json:"entity_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	SchemaVersion int            `json:"schema_version"`
}

// New assigns producer-side identity and timestamps. The caller supplies
// only what the mutation hook knows.
func New(eventType EventType, kind EntityKind, entityID string, payload map[string]any) ChangeEvent {
	return ChangeEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EntityKind:    kind,
		EntityID:      entityID,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}
}

// PartitionKey routes all events for one entity to the same partition,
// which is what preserves per-entity ordering end to end.
func (e ChangeEvent) PartitionKey() string {
	return string(e.EntityKind) + ":" + e.EntityID
}

func ValidEventType(t EventType) bool {
	switch t {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

func ValidEntityKind(k EntityKind) bool {
	switch k {
	case KindBook, KindAuthor:
		return true
	}
	return false
}
