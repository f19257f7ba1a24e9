package dcb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the channel the insert trigger fires on and the listener
// subscribes to.
const notifyChannel = "es_events"

// Every statement here is IF NOT EXISTS / CREATE OR REPLACE so schema
// initialization can run on every startup.
var eventsSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		global_position BIGSERIAL PRIMARY KEY,
		event_id UUID NOT NULL UNIQUE DEFAULT gen_random_uuid(),
		type VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		metadata JSONB,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// jsonb_path_ops keeps the index small and serves the containment probes
	// the compiler emits for every attribute filter.
	`CREATE INDEX IF NOT EXISTS idx_events_payload ON events
		USING GIN (payload jsonb_path_ops)
		WITH (fastupdate = on, gin_pending_list_limit = 65536)`,

	`CREATE INDEX IF NOT EXISTS idx_events_type_position ON events (type, global_position)`,

	`CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events
		USING BRIN (occurred_at)
		WITH (pages_per_range = 128)`,

	// Append-only table with a hot tail: vacuum early and often.
	`ALTER TABLE events SET (
		autovacuum_vacuum_scale_factor = 0.01,
		autovacuum_vacuum_threshold = 1000,
		autovacuum_analyze_scale_factor = 0.005,
		autovacuum_analyze_threshold = 1000
	)`,
}

var projectionSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projection_checkpoints (
		name TEXT PRIMARY KEY,
		last_position BIGINT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// FOR EACH STATEMENT: one notification per insert statement, not per row,
	// so batch appends stay cheap on the wire.
	`CREATE OR REPLACE FUNCTION es_notify_event_inserted() RETURNS trigger
	LANGUAGE plpgsql AS $$
	BEGIN
		NOTIFY es_events;
		RETURN NULL;
	END;
	$$`,

	`CREATE OR REPLACE TRIGGER trg_es_events_notify
		AFTER INSERT ON events
		FOR EACH STATEMENT
		EXECUTE FUNCTION es_notify_event_inserted()`,
}

func applySchemaStatements(ctx context.Context, pool *pgxpool.Pool, statements []string) error {
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return &EventStoreError{
				Op:  "initializeSchema",
				Err: fmt.Errorf("failed to apply DDL: %w", err),
			}
		}
	}
	return nil
}

// initializeSchema applies the full store schema: events table, indexes,
// checkpoint table and notification trigger.
func initializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if err := applySchemaStatements(ctx, pool, eventsSchemaStatements); err != nil {
		return err
	}
	return applySchemaStatements(ctx, pool, projectionSchemaStatements)
}
