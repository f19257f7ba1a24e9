package dcb

import (
	"time"
)

// StoredEvent is one committed row of the event log. GlobalPosition is the
// primary ordering key: strictly increasing across all successful inserts,
// gap-tolerant across rollbacks. Positions travel as int64 end to end; at a
// JSON boundary serialise them as decimal strings, never as floats.
type StoredEvent struct {
	GlobalPosition int64
	EventID        string
	Type           string
	Payload        []byte
	Metadata       []byte // nil when absent
	OccurredAt     time.Time
}

// InputEvent is an event to be appended.
type InputEvent struct {
	Type     string
	Payload  []byte
	Metadata []byte
}

// NewInputEvent creates an event with the given type and JSON payload.
// Validation is performed when the event is appended.
func NewInputEvent(eventType string, payload []byte) InputEvent {
	return InputEvent{Type: eventType, Payload: payload}
}

// WithMetadata returns a copy of the event carrying the given JSON metadata.
func (e InputEvent) WithMetadata(metadata []byte) InputEvent {
	e.Metadata = metadata
	return e
}

// NewEventBatch is a convenience for building the slice passed to Append.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// LoadResult is the outcome of a full-history read: the matching events in
// position order and the boundary version, i.e. the greatest returned
// position, zero when nothing matched.
type LoadResult struct {
	Events  []StoredEvent
	Version int64
}

// AppendOptions makes an append conditional: the write only commits if the
// boundary identified by Query still has version ExpectedVersion.
//
// ConcurrencyQuery, when set, replaces Query as the boundary for both the
// serialising lock and the version check while Query remains the one the
// caller loaded state from. Widening the boundary this way is how a caller
// closes check-then-act races against sibling streams: include the stream a
// concurrent writer would touch (for example the assignment stream when
// committing a dismissal) and the two writes serialise instead of racing.
type AppendOptions struct {
	Query            Query
	ExpectedVersion  int64
	ConcurrencyQuery *Query
}

// boundary returns the query the append serialises on.
func (o *AppendOptions) boundary() Query {
	if o.ConcurrencyQuery != nil {
		return *o.ConcurrencyQuery
	}
	return o.Query
}

// StreamOptions tune a streaming read.
type StreamOptions struct {
	// AfterPosition yields only events strictly greater than this position.
	// Zero streams from the beginning.
	AfterPosition int64

	// BatchSize is the keyset page size. Defaults to the store's configured
	// stream batch size.
	BatchSize int
}

// EventIterator is a lazy, forward-only sequence of stored events. It holds no
// server-side state, so abandoning it early leaks nothing; Close is still the
// polite way to end iteration.
type EventIterator interface {
	// Next advances to the next event, returning false if no more events
	Next() bool

	// Event returns the current event
	Event() StoredEvent

	// Err returns any error that occurred during iteration
	Err() error

	// Close closes the iterator and releases resources
	Close() error
}
