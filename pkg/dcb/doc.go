// Package dcb is a PostgreSQL event store with dynamic consistency
// boundaries: instead of a fixed aggregate root, every conditional append
// declares the set of events it must be consistent with as a query.
//
// Writers load a boundary's current version, decide, then append with that
// version as the expectation. The store serialises writers on the same
// boundary with an advisory lock keyed by the query's canonical form and
// re-checks the version inside the transaction, so within a boundary writes
// are linearisable; writers on disjoint boundaries contend only when their
// lock keys collide in the 64-bit hash.
//
// Reads come in two shapes: Load for full-history reads with a version, and
// Stream for keyset-paginated enumeration. Projections build on Stream: a
// ProjectionManager catches each projection up from its checkpoint and then
// follows new writes through a LISTEN/NOTIFY listener with a polling
// fallback. Handlers run inside the transaction that advances the
// checkpoint, so a projection's read model and its progress move together.
// Delivery is at-least-once across process failures; handlers must be
// idempotent.
//
// Boundaries guard only what they cover. A check-then-act sequence that scans
// one stream and writes to another can still race a concurrent writer of the
// scanned stream; close such races by widening the boundary with
// AppendOptions.ConcurrencyQuery to include every stream the decision read.
package dcb
