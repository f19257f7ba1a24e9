package dcb

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// rowEvent is a helper struct for scanning database rows.
type rowEvent struct {
	GlobalPosition int64
	EventID        pgtype.UUID
	Type           string
	Payload        []byte
	Metadata       []byte
	OccurredAt     time.Time
}

// scanEvent scans one row in eventColumns order and converts it.
func scanEvent(rows pgx.Rows) (StoredEvent, error) {
	var row rowEvent
	if err := rows.Scan(
		&row.GlobalPosition,
		&row.EventID,
		&row.Type,
		&row.Payload,
		&row.Metadata,
		&row.OccurredAt,
	); err != nil {
		return StoredEvent{}, err
	}
	return convertRowToEvent(row), nil
}

// convertRowToEvent converts a database row to a StoredEvent.
func convertRowToEvent(row rowEvent) StoredEvent {
	e := StoredEvent{
		GlobalPosition: row.GlobalPosition,
		Type:           row.Type,
		Payload:        row.Payload,
		Metadata:       row.Metadata,
		OccurredAt:     row.OccurredAt,
	}
	if row.EventID.Valid {
		e.EventID = row.EventID.String()
	}
	return e
}
