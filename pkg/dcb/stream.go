package dcb

import (
	"context"
	"fmt"
)

func (es *eventStore) Stream(ctx context.Context, query Query, options *StreamOptions) (EventIterator, error) {
	// Compile once up front so an invalid query fails before iteration.
	if _, _, err := compileWhere(query, nil); err != nil {
		return nil, err
	}

	it := &streamIterator{
		ctx:       ctx,
		es:        es,
		query:     query,
		batchSize: es.config.StreamBatchSize,
	}
	if options != nil {
		it.after = options.AfterPosition
		if options.BatchSize > 0 {
			it.batchSize = options.BatchSize
		}
	}
	return it, nil
}

// streamIterator pages through matching events with keyset pagination: each
// page re-issues the stream query after the last yielded position. No server
// cursor and no long-lived transaction back it, so a consumer may stop at any
// point without leaving dangling state.
type streamIterator struct {
	ctx       context.Context
	es        *eventStore
	query     Query
	after     int64
	batchSize int

	page   []StoredEvent
	idx    int
	event  StoredEvent
	err    error
	done   bool
	closed bool
}

// Next processes the next event
func (it *streamIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}

	if it.idx >= len(it.page) {
		if it.done {
			return false
		}
		if !it.fetchPage() {
			return false
		}
	}

	it.event = it.page[it.idx]
	it.idx++
	it.after = it.event.GlobalPosition
	return true
}

// fetchPage loads the next keyset page. A short page means the high-water
// mark was reached.
func (it *streamIterator) fetchPage() bool {
	sqlQuery, args, err := compileStream(it.query, it.after, it.batchSize, nil)
	if err != nil {
		it.err = err
		return false
	}

	rows, err := it.es.pool.Query(it.ctx, sqlQuery, args...)
	if err != nil {
		it.err = &EventStoreError{
			Op:  "stream",
			Err: fmt.Errorf("failed to execute stream query: %w", err),
		}
		return false
	}
	defer rows.Close()

	it.page = it.page[:0]
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			it.err = &EventStoreError{
				Op:  "stream",
				Err: fmt.Errorf("failed to scan event row: %w", err),
			}
			return false
		}
		it.page = append(it.page, event)
	}
	if err := rows.Err(); err != nil {
		it.err = &EventStoreError{
			Op:  "stream",
			Err: fmt.Errorf("error iterating over events: %w", err),
		}
		return false
	}

	it.idx = 0
	if len(it.page) < it.batchSize {
		it.done = true
	}
	return len(it.page) > 0
}

// Event returns the current event
func (it *streamIterator) Event() StoredEvent {
	return it.event
}

// Err returns any error that occurred during iteration
func (it *streamIterator) Err() error {
	return it.err
}

// Close ends iteration early. There is no server-side state to release.
func (it *streamIterator) Close() error {
	it.closed = true
	it.page = nil
	return nil
}
