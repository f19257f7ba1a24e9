package dcb

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// eventColumns is the column list every read path selects, in rowEvent scan
// order.
const eventColumns = "global_position, event_id, type, payload, metadata, occurred_at"

// compileLoad builds the full-history read for a query:
// all matching events in ascending position order.
func compileLoad(q Query) (string, []any, error) {
	where, args, err := compileWhere(q, nil)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf(
		"SELECT %s FROM events WHERE %s ORDER BY global_position ASC",
		eventColumns, where,
	)
	return sql, args, nil
}

// compileVersion builds the boundary version check used inside the append
// transaction: the greatest matching position, zero when no event matches.
func compileVersion(q Query) (string, []any, error) {
	where, args, err := compileWhere(q, nil)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf(
		"SELECT COALESCE(MAX(global_position), 0) FROM events WHERE %s",
		where,
	)
	return sql, args, nil
}

// compileStream builds one keyset page: matching events strictly after a
// position, ascending, limited. The after/limit parameters are numbered past
// the filter parameters so the statement composes with pre-seeded args.
func compileStream(q Query, after int64, limit int, seed []any) (string, []any, error) {
	where, args, err := compileWhere(q, seed)
	if err != nil {
		return "", nil, err
	}
	args = append(args, after)
	afterParam := len(args)
	args = append(args, limit)
	limitParam := len(args)
	sql := fmt.Sprintf(
		"SELECT %s FROM events WHERE (%s) AND global_position > $%d ORDER BY global_position ASC LIMIT $%d",
		eventColumns, where, afterParam, limitParam,
	)
	return sql, args, nil
}

// compileWhere emits the disjunction of per-clause predicates. A single
// parameter list is threaded through the whole compilation so numbering is
// gap-free across clauses and nested filters.
func compileWhere(q Query, args []any) (string, []any, error) {
	if q.IsEmpty() {
		return "", nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "compileWhere",
				Err: fmt.Errorf("query must contain at least one clause"),
			},
			Field: "query",
			Value: "empty",
		}
	}
	predicates := make([]string, 0, len(q.clauses))
	for _, clause := range q.clauses {
		pred, next, err := compileClause(clause, args)
		if err != nil {
			return "", nil, err
		}
		args = next
		predicates = append(predicates, pred)
	}
	if len(predicates) == 1 {
		return predicates[0], args, nil
	}
	for i, p := range predicates {
		predicates[i] = "(" + p + ")"
	}
	return strings.Join(predicates, " OR "), args, nil
}

func compileClause(c Clause, args []any) (string, []any, error) {
	if c.Type == "" {
		return "", nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "compileClause",
				Err: fmt.Errorf("clause has empty event type"),
			},
			Field: "clause.type",
			Value: "empty",
		}
	}
	args = append(args, c.Type)
	pred := fmt.Sprintf("type = $%d", len(args))
	if c.Filter == nil {
		return pred, args, nil
	}
	filterSQL, args, err := compileFilter(c.Filter, args)
	if err != nil {
		return "", nil, err
	}
	return pred + " AND " + filterSQL, args, nil
}

// compileFilter lowers a filter tree to SQL. Attr nodes become JSON
// containment probes so a single GIN index on payload serves every attribute
// filter.
func compileFilter(f FilterNode, args []any) (string, []any, error) {
	switch node := f.(type) {
	case AttrFilter:
		fragment, err := json.Marshal(map[string]any{node.Key: node.Value})
		if err != nil {
			return "", nil, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "compileFilter",
					Err: fmt.Errorf("attribute value for key %q is not JSON-serialisable: %w", node.Key, err),
				},
				Field: "filter.value",
				Value: node.Key,
			}
		}
		args = append(args, fragment)
		return fmt.Sprintf("payload @> $%d::jsonb", len(args)), args, nil
	case AndFilter:
		return compileChildren(node.Children, " AND ", args)
	case OrFilter:
		return compileChildren(node.Children, " OR ", args)
	default:
		return "", nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "compileFilter",
				Err: fmt.Errorf("unknown filter node %T", f),
			},
			Field: "filter",
			Value: fmt.Sprintf("%T", f),
		}
	}
}

func compileChildren(children []FilterNode, op string, args []any) (string, []any, error) {
	if len(children) == 0 {
		return "", nil, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "compileFilter",
				Err: fmt.Errorf("composite filter has no children"),
			},
			Field: "filter",
			Value: "empty",
		}
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		part, next, err := compileFilter(child, args)
		if err != nil {
			return "", nil, err
		}
		args = next
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, op) + ")", args, nil
}

// canonicalKey serialises a query to a stable string: clauses sorted
// lexicographically, filters rendered in pre-order. Two queries describing
// the same event set produce the same key regardless of clause order.
func canonicalKey(q Query) string {
	rendered := make([]string, len(q.clauses))
	for i, clause := range q.clauses {
		var b strings.Builder
		b.WriteString("type[")
		b.WriteString(clause.Type)
		b.WriteString("]")
		if clause.Filter != nil {
			b.WriteString(":")
			renderFilter(&b, clause.Filter)
		}
		rendered[i] = b.String()
	}
	sort.Strings(rendered)
	return strings.Join(rendered, "|")
}

func renderFilter(b *strings.Builder, f FilterNode) {
	switch node := f.(type) {
	case AttrFilter:
		b.WriteString("attr(")
		b.WriteString(node.Key)
		b.WriteString("=")
		// encoding/json sorts map keys, so nested documents render stably.
		if data, err := json.Marshal(node.Value); err == nil {
			b.Write(data)
		} else {
			fmt.Fprintf(b, "!%v", node.Value)
		}
		b.WriteString(")")
	case AndFilter:
		renderComposite(b, "and", node.Children)
	case OrFilter:
		renderComposite(b, "or", node.Children)
	}
}

func renderComposite(b *strings.Builder, op string, children []FilterNode) {
	b.WriteString(op)
	b.WriteString("(")
	for i, child := range children {
		if i > 0 {
			b.WriteString(",")
		}
		renderFilter(b, child)
	}
	b.WriteString(")")
}

// lockKey hashes the canonical key into the 64-bit advisory lock space.
// Collisions only serialise two unrelated boundaries against each other; they
// never affect correctness.
func lockKey(q Query) int64 {
	h := fnv.New64a()
	h.Write([]byte(canonicalKey(q)))
	return int64(h.Sum64())
}
