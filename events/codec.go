package events

import (
	"encoding/json"
	"fmt"
)

// DecodeError marks a message as poison: retrying it can never succeed,
// so the consumer logs and skips instead of crashing the loop.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode change event: %s: %v", e.Reason, e.Err)
	}
	return "decode change event: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func Encode(e ChangeEvent) ([]byte, error) {
	if reason := invalidReason(e); reason != "" {
		return nil, fmt.Errorf("encode change event: %s", reason)
	}
	return json.Marshal(e)
}

// Decode parses and validates a wire envelope. Unknown extra fields are
// ignored; a schema_version newer than SchemaVersion is rejected.
func Decode(data []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return ChangeEvent{}, &DecodeError{Reason: "malformed payload", Err: err}
	}
	if e.SchemaVersion > SchemaVersion {
		return ChangeEvent{}, &DecodeError{
			Reason: fmt.Sprintf("unsupported schema_version %d (max %d)", e.SchemaVersion, SchemaVersion),
		}
	}
	if reason := invalidReason(e); reason != "" {
		return ChangeEvent{}, &DecodeError{Reason: reason}
	}
	return e, nil
}

func invalidReason(e ChangeEvent) string {
	switch {
	case e.EventID == "":
		return "missing event_id"
	case e.EntityID == "":
		return "missing entity_id"
	case e.OccurredAt.IsZero():
		return "missing occurred_at"
	case e.SchemaVersion < 1:
		return "missing schema_version"
	case !ValidEventType(e.EventType):
		return fmt.Sprintf("unknown event_type %q", e.EventType)
	case !ValidEntityKind(e.EntityKind):
		return fmt.Sprintf("unknown entity_kind %q", e.EntityKind)
	}
	return ""
}
