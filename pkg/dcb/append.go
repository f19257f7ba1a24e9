package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Timeouts set inside every conditional append transaction so a stuck lock
// holder cannot wedge the boundary for other writers.
const (
	appendLockTimeout      = "5s"
	appendStatementTimeout = "30s"
)

// insertEventsSQL inserts the whole batch in one statement so the
// notification trigger, which is FOR EACH STATEMENT, fires exactly once per
// append.
const insertEventsSQL = `
	INSERT INTO events (event_id, type, payload, metadata)
	SELECT * FROM unnest($1::uuid[], $2::varchar[], $3::jsonb[], $4::jsonb[])
	RETURNING global_position, event_id, type, payload, metadata, occurred_at`

func (es *eventStore) Append(ctx context.Context, events []InputEvent, options *AppendOptions) ([]StoredEvent, error) {
	if len(events) == 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("events slice cannot be empty"),
			},
			Field: "events",
			Value: "empty",
		}
	}
	if len(events) > es.config.MaxBatchSize {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), es.config.MaxBatchSize),
			},
			Field: "batchSize",
			Value: fmt.Sprintf("%d", len(events)),
		}
	}
	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return nil, err
		}
	}

	// Compile the boundary check before touching the database so a bad query
	// fails without a transaction.
	var versionSQL string
	var versionArgs []any
	var boundaryKey int64
	if options != nil {
		boundary := options.boundary()
		var err error
		versionSQL, versionArgs, err = compileVersion(boundary)
		if err != nil {
			return nil, err
		}
		boundaryKey = lockKey(boundary)
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	start := time.Now()
	tx, err := es.pool.Begin(appendCtx)
	if err != nil {
		return nil, &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to begin transaction: %w", err),
		}
	}
	// Rollback after a successful commit is a no-op; errors here are
	// irrelevant next to the one being returned.
	defer tx.Rollback(appendCtx)

	if options != nil {
		if err := es.checkBoundary(appendCtx, tx, options, boundaryKey, versionSQL, versionArgs); err != nil {
			if IsConcurrencyError(err) {
				appendConflictsTotal.Inc()
			}
			return nil, err
		}
	}

	stored, err := insertBatch(appendCtx, tx, events)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return nil, &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to commit transaction: %w", err),
		}
	}

	appendsTotal.Inc()
	appendedEventsTotal.Add(float64(len(stored)))
	appendDuration.Observe(time.Since(start).Seconds())
	return stored, nil
}

// checkBoundary runs the conditional half of the protocol: per-transaction
// timeouts, the non-blocking advisory lock that serialises writers on the
// same boundary, then the optimistic version check against committed state.
func (es *eventStore) checkBoundary(ctx context.Context, tx pgx.Tx, options *AppendOptions, key int64, versionSQL string, versionArgs []any) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%s'", appendLockTimeout)); err != nil {
		return &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to set lock timeout: %w", err),
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%s'", appendStatementTimeout)); err != nil {
		return &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to set statement timeout: %w", err),
		}
	}

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", key).Scan(&acquired); err != nil {
		return &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to acquire boundary lock: %w", err),
		}
	}
	if !acquired {
		return &ConcurrencyError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("another writer holds the consistency boundary"),
			},
			ExpectedVersion: options.ExpectedVersion,
			ActualVersion:   -1,
		}
	}

	var actualVersion int64
	if err := tx.QueryRow(ctx, versionSQL, versionArgs...).Scan(&actualVersion); err != nil {
		return &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to check boundary version: %w", err),
		}
	}
	if actualVersion != options.ExpectedVersion {
		return &ConcurrencyError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("boundary version is %d, expected %d", actualVersion, options.ExpectedVersion),
			},
			ExpectedVersion: options.ExpectedVersion,
			ActualVersion:   actualVersion,
		}
	}
	return nil
}

func insertBatch(ctx context.Context, tx pgx.Tx, events []InputEvent) ([]StoredEvent, error) {
	ids := make([]pgtype.UUID, len(events))
	types := make([]string, len(events))
	payloads := make([][]byte, len(events))
	metadatas := make([][]byte, len(events))

	for i, e := range events {
		// UUIDv7 keeps event ids roughly time-ordered, matching the log.
		id, err := uuid.NewV7()
		if err != nil {
			return nil, &EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to generate event id %d: %w", i, err),
			}
		}
		ids[i] = pgtype.UUID{Bytes: [16]byte(id), Valid: true}
		types[i] = e.Type
		payloads[i] = e.Payload
		metadatas[i] = e.Metadata
	}

	rows, err := tx.Query(ctx, insertEventsSQL, ids, types, payloads, metadatas)
	if err != nil {
		return nil, &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("failed to insert events: %w", err),
		}
	}
	defer rows.Close()

	stored := make([]StoredEvent, 0, len(events))
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, &EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to scan inserted event: %w", err),
			}
		}
		stored = append(stored, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &EventStoreError{
			Op:  "append",
			Err: fmt.Errorf("error reading inserted events: %w", err),
		}
	}
	return stored, nil
}
