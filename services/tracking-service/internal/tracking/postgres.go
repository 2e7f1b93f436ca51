package tracking

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tareqmahmud/libraryfeed/events"
	"github.com/tareqmahmud/libraryfeed/libs/db"
)

type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) UpsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tracking_events (event_id, event_type, entity_kind, entity_id, payload, occurred_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.EventID, rec.EventType, rec.EntityKind, rec.EntityID, payload, rec.OccurredAt, rec.ProcessedAt)
	if err == nil {
		return true, nil
	}

	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}

func (s *Postgres) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tracking_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	return exists, err
}

func (s *Postgres) ListByEntity(ctx context.Context, kind events.EntityKind, entityID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, entity_kind, entity_id, payload, occurred_at, processed_at
		FROM tracking_events
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY occurred_at, processed_at
	`, kind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.EntityKind, &rec.EntityID, &payload, &rec.OccurredAt, &rec.ProcessedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, err
			}
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}
