package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the write and read surface of the event log.
type EventStore interface {
	// Load reads all events matching the query in position order and returns
	// them together with the boundary version.
	Load(ctx context.Context, query Query) (LoadResult, error)

	// Append atomically persists a batch of events. With nil options the
	// write is unconditional; with options it enforces the DCB boundary
	// described by the options and fails with a ConcurrencyError when the
	// boundary moved.
	Append(ctx context.Context, events []InputEvent, options *AppendOptions) ([]StoredEvent, error)

	// Stream lazily enumerates matching events strictly after
	// options.AfterPosition using keyset pagination. The sequence is finite
	// with respect to the current high-water mark; call again with an updated
	// AfterPosition to pick up later writes.
	Stream(ctx context.Context, query Query, options *StreamOptions) (EventIterator, error)

	// InitializeSchema idempotently applies the store DDL.
	InitializeSchema(ctx context.Context) error

	// Close closes the store's connection pool. Safe to call more than once.
	Close()

	// Pool exposes the underlying connection pool for collaborators that
	// share it, such as the projection manager's catch-up reads.
	Pool() *pgxpool.Pool
}

// EventStoreConfig tunes an event store. Zero fields fall back to defaults.
type EventStoreConfig struct {
	MaxBatchSize    int // Maximum events per append; default 1000
	StreamBatchSize int // Keyset page size for Stream; default 100
	QueryTimeout    int // Load deadline in ms when the caller sets none; default 15000
	AppendTimeout   int // Append deadline in ms when the caller sets none; default 10000
}

// eventStore implements EventStore using PostgreSQL.
type eventStore struct {
	pool      *pgxpool.Pool
	config    EventStoreConfig
	closeOnce sync.Once
}

// NewEventStore creates an EventStore on the given pool with default
// configuration. The pool is pinged so a bad DSN fails here rather than on
// first use.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, EventStoreConfig{})
}

// NewEventStoreWithConfig creates an EventStore with custom configuration.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, &EventStoreError{
			Op:  "newEventStore",
			Err: fmt.Errorf("unable to connect to database: %w", err),
		}
	}
	return newEventStore(pool, config), nil
}

func newEventStore(pool *pgxpool.Pool, config EventStoreConfig) *eventStore {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.StreamBatchSize <= 0 {
		config.StreamBatchSize = 100
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 15000
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = 10000
	}
	return &eventStore{pool: pool, config: config}
}

func (es *eventStore) Pool() *pgxpool.Pool {
	return es.pool
}

func (es *eventStore) InitializeSchema(ctx context.Context) error {
	return initializeSchema(ctx, es.pool)
}

func (es *eventStore) Close() {
	es.closeOnce.Do(es.pool.Close)
}

// withTimeout respects a caller deadline when one is set and falls back to
// the configured default otherwise.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}

func (es *eventStore) Load(ctx context.Context, query Query) (LoadResult, error) {
	sqlQuery, args, err := compileLoad(query)
	if err != nil {
		return LoadResult{}, err
	}

	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	rows, err := es.pool.Query(queryCtx, sqlQuery, args...)
	if err != nil {
		return LoadResult{}, &EventStoreError{
			Op:  "load",
			Err: fmt.Errorf("failed to execute load query: %w", err),
		}
	}
	defer rows.Close()

	var result LoadResult
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return LoadResult{}, &EventStoreError{
				Op:  "load",
				Err: fmt.Errorf("failed to scan event row: %w", err),
			}
		}
		result.Events = append(result.Events, event)
		result.Version = event.GlobalPosition
	}
	if err := rows.Err(); err != nil {
		return LoadResult{}, &EventStoreError{
			Op:  "load",
			Err: fmt.Errorf("error iterating over events: %w", err),
		}
	}
	return result, nil
}

// validateEvent validates a single event and returns a ValidationError if invalid
func validateEvent(e InputEvent, index int) error {
	if e.Type == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty type in event %d", index),
			},
			Field: "type",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}
	if len(e.Type) > 255 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("type exceeds 255 characters in event %d", index),
			},
			Field: "type",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("invalid JSON payload in event %d", index),
			},
			Field: "payload",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}
	if e.Metadata != nil && !json.Valid(e.Metadata) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("invalid JSON metadata in event %d", index),
			},
			Field: "metadata",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}
	return nil
}
