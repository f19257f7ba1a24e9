package dcb

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProjectionHandler applies one event to a read model. The transaction is
// borrowed: the runtime commits it together with the checkpoint update, and a
// handler must never commit or roll it back itself.
type ProjectionHandler func(ctx context.Context, tx pgx.Tx, event StoredEvent) error

// ProjectionSetup applies a projection's read-model DDL. It must be
// idempotent; the manager runs it on every initialization.
type ProjectionSetup func(ctx context.Context, pool *pgxpool.Pool) error

// ProjectionDefinition declares a projection: a durable, potentially-lagging
// materialisation of the events selected by Query.
type ProjectionDefinition struct {
	// Name is the stable identifier; it becomes the checkpoint key.
	Name string

	// Query selects the events this projection cares about. Must be
	// non-empty.
	Query Query

	// Setup, when present, is run once at manager initialization.
	Setup ProjectionSetup

	// Handler is invoked per matching event, in position order.
	Handler ProjectionHandler
}

var projectionNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9\-_]{0,127}$`)

// DefineProjection validates a projection definition and returns it.
func DefineProjection(def ProjectionDefinition) (ProjectionDefinition, error) {
	if !projectionNamePattern.MatchString(def.Name) {
		return ProjectionDefinition{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "defineProjection",
				Err: fmt.Errorf("projection name %q does not match %s", def.Name, projectionNamePattern),
			},
			Field: "name",
			Value: def.Name,
		}
	}
	if def.Query.IsEmpty() {
		return ProjectionDefinition{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "defineProjection",
				Err: fmt.Errorf("projection %q has an empty query", def.Name),
			},
			Field: "query",
			Value: "empty",
		}
	}
	if def.Handler == nil {
		return ProjectionDefinition{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "defineProjection",
				Err: fmt.Errorf("projection %q has no handler", def.Name),
			},
			Field: "handler",
			Value: "nil",
		}
	}
	return def, nil
}

// NewEventDispatcher builds a handler that routes events by type. Events with
// no route are ignored, so a projection's query may be wider than its routes.
func NewEventDispatcher(routes map[string]ProjectionHandler) ProjectionHandler {
	return func(ctx context.Context, tx pgx.Tx, event StoredEvent) error {
		handler, ok := routes[event.Type]
		if !ok {
			return nil
		}
		return handler(ctx, tx, event)
	}
}
