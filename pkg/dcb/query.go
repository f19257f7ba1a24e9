package dcb

// FilterNode is one node of a clause's payload filter tree. A filter tree is a
// value: once built it is never mutated, so trees may be shared freely between
// queries.
type FilterNode interface {
	isFilterNode()
}

// AttrFilter matches events whose payload contains {Key: Value} at the top
// level (JSON containment). Value may be any JSON-serialisable value,
// including nil, zero, false and nested documents.
type AttrFilter struct {
	Key   string
	Value any
}

// AndFilter matches when every child matches.
type AndFilter struct {
	Children []FilterNode
}

// OrFilter matches when at least one child matches.
type OrFilter struct {
	Children []FilterNode
}

func (AttrFilter) isFilterNode() {}
func (AndFilter) isFilterNode()  {}
func (OrFilter) isFilterNode()   {}

// Clause matches events whose type equals Type and, when Filter is non-nil,
// whose payload satisfies the filter.
type Clause struct {
	Type   string
	Filter FilterNode
}

// Query selects a set of events. It is an ordered list of clauses combined
// with OR: an event matches iff it matches at least one clause. Queries are
// immutable values; every builder operation returns a fresh Query.
type Query struct {
	clauses []Clause
}

// EventsOfType starts a query with a single clause matching all events of the
// given type.
func EventsOfType(eventType string) Query {
	return Query{clauses: []Clause{{Type: eventType}}}
}

// QueryAll combines the clauses of several queries into one.
func QueryAll(queries ...Query) Query {
	var clauses []Clause
	for _, q := range queries {
		clauses = append(clauses, q.clauses...)
	}
	return Query{clauses: clauses}
}

// EventsOfType appends a clause with no filter for the given type.
func (q Query) EventsOfType(eventType string) Query {
	clauses := make([]Clause, len(q.clauses), len(q.clauses)+1)
	copy(clauses, q.clauses)
	return Query{clauses: append(clauses, Clause{Type: eventType})}
}

// Clauses returns a copy of the query's clauses.
func (q Query) Clauses() []Clause {
	out := make([]Clause, len(q.clauses))
	copy(out, q.clauses)
	return out
}

// IsEmpty reports whether the query has no clauses.
func (q Query) IsEmpty() bool {
	return len(q.clauses) == 0
}

// Where sets the filter of the most recent clause, replacing any existing one.
func (q Query) Where(filter FilterNode) Query {
	return q.withLastFilter(func(FilterNode) FilterNode {
		return filter
	})
}

// And narrows the most recent clause's filter. With no existing filter it
// behaves as Where; when the existing root is an AndFilter the new node is
// appended to its children (chains of the same operator stay flat); otherwise
// both are wrapped in a new AndFilter.
func (q Query) And(filter FilterNode) Query {
	return q.withLastFilter(func(existing FilterNode) FilterNode {
		if existing == nil {
			return filter
		}
		children := append([]FilterNode{}, andChildren(existing)...)
		children = append(children, andChildren(filter)...)
		return AndFilter{Children: children}
	})
}

// Or widens the most recent clause's filter; symmetric to And with OrFilter.
func (q Query) Or(filter FilterNode) Query {
	return q.withLastFilter(func(existing FilterNode) FilterNode {
		if existing == nil {
			return filter
		}
		children := append([]FilterNode{}, orChildren(existing)...)
		children = append(children, orChildren(filter)...)
		return OrFilter{Children: children}
	})
}

func andChildren(n FilterNode) []FilterNode {
	if and, ok := n.(AndFilter); ok {
		return and.Children
	}
	return []FilterNode{n}
}

func orChildren(n FilterNode) []FilterNode {
	if or, ok := n.(OrFilter); ok {
		return or.Children
	}
	return []FilterNode{n}
}

// withLastFilter returns a copy of q with the last clause's filter rewritten.
func (q Query) withLastFilter(rewrite func(FilterNode) FilterNode) Query {
	if len(q.clauses) == 0 {
		panic("dcb: filter applied to a query with no clauses; call EventsOfType first")
	}
	clauses := make([]Clause, len(q.clauses))
	copy(clauses, q.clauses)
	last := &clauses[len(clauses)-1]
	last.Filter = rewrite(last.Filter)
	return Query{clauses: clauses}
}

// KeyBuilder completes an attribute filter: Key("owner").Equals("alice").
type KeyBuilder struct {
	key string
}

// Key begins an attribute filter on a top-level payload key.
func Key(key string) KeyBuilder {
	return KeyBuilder{key: key}
}

// Equals finishes the attribute filter. The value may be any JSON-serialisable
// value.
func (k KeyBuilder) Equals(value any) FilterNode {
	return AttrFilter{Key: k.key, Value: value}
}

// AllOf builds an AndFilter over the given nodes. Useful for nesting mixed
// operators explicitly: Where(AllOf(a, AnyOf(b, c))).
func AllOf(filters ...FilterNode) FilterNode {
	return AndFilter{Children: filters}
}

// AnyOf builds an OrFilter over the given nodes.
func AnyOf(filters ...FilterNode) FilterNode {
	return OrFilter{Children: filters}
}
