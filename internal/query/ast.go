package query

import (
	"fmt"
	"time"

	"github.com/roach88/tessel/internal/reader"
)

// Query describes what to read from one type.
//
// Target selection: ID or Alias select a single node (the decoded result
// is one item or nil), IDs selects a list, none selects every node.
// Include paths may cross references ("author.name") and name edge fields
// on a reference ("members.$role"); Refs carries filter, sort and range for
// a reference field.
type Query struct {
	Type   string
	ID     uint32
	IDs    []uint32
	Alias  *Alias
	Offset uint32
	Limit  uint32 // 0 = unlimited
	Sort   *Sort
	Filter Predicate

	Include []string
	Refs    map[string]*Query
	Locale  string
	Meta    map[string]reader.ReadMode

	Aggregate []Aggregate
	GroupBy   *GroupBy
}

// Alias selects a node by a unique alias property.
type Alias struct {
	Path  string // may be empty when the type has exactly one alias
	Value string
}

// Sort orders a list result by one field.
type Sort struct {
	Path string
	Desc bool
}

// Aggregate is one aggregate function over a numeric path.
type Aggregate struct {
	Fn   reader.AggFn
	Path string // empty for count
}

// GroupBy splits aggregates by a field's raw value or a time bucket.
type GroupBy struct {
	Path     string
	Interval reader.Interval
}

// Predicate is a filter condition.
//
// This is a sealed interface - only Cond, And and Or implement it.
type Predicate interface {
	predicateNode()
}

// Cond compares a field with one or more values.
//
// Path may cross references ("author.name"); inside a reference scope a
// $-prefixed segment names an edge field. The path "id" compares node ids.
// Equality against several values matches any of them.
type Cond struct {
	Path  string
	Op    Operator
	Value any
}

// And matches when every predicate matches.
type And struct {
	Predicates []Predicate
}

// Or matches when any predicate matches.
type Or struct {
	Predicates []Predicate
}

func (Cond) predicateNode() {}
func (And) predicateNode()  {}
func (Or) predicateNode()   {}

// Where is shorthand for a single condition.
func Where(path string, op Operator, value any) Cond {
	return Cond{Path: path, Op: op, Value: value}
}

// Operator is a filter comparison.
type Operator uint8

const (
	OpEq Operator = iota + 1
	OpNeq
	OpGt
	OpLt
	OpGe
	OpLe
	OpIncludes
	OpExists
	OpNotExists
	OpBetween
)

var opNames = map[Operator]string{
	OpEq:        "=",
	OpNeq:       "!=",
	OpGt:        ">",
	OpLt:        "<",
	OpGe:        ">=",
	OpLe:        "<=",
	OpIncludes:  "includes",
	OpExists:    "exists",
	OpNotExists: "!exists",
	OpBetween:   "between",
}

func (o Operator) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ParseOperator maps an operator token to its value. "==" and "in" are
// accepted as equality.
func ParseOperator(s string) (Operator, bool) {
	switch s {
	case "==", "in":
		return OpEq, true
	case "has":
		return OpIncludes, true
	}
	for o, n := range opNames {
		if n == s {
			return o, true
		}
	}
	return 0, false
}

// canonical renders the AST as plain values for fingerprinting. Include
// order does not change the program, so includes are sorted.
func (q *Query) canonical() map[string]any {
	m := map[string]any{"type": q.Type}
	if q.ID != 0 {
		m["id"] = q.ID
	}
	if len(q.IDs) > 0 {
		ids := make([]any, len(q.IDs))
		for i, id := range q.IDs {
			ids[i] = id
		}
		m["ids"] = ids
	}
	if q.Alias != nil {
		m["alias"] = map[string]any{"path": q.Alias.Path, "value": q.Alias.Value}
	}
	if q.Offset != 0 {
		m["offset"] = q.Offset
	}
	if q.Limit != 0 {
		m["limit"] = q.Limit
	}
	if q.Sort != nil {
		m["sort"] = map[string]any{"path": q.Sort.Path, "desc": q.Sort.Desc}
	}
	if q.Filter != nil {
		m["filter"] = canonicalPredicate(q.Filter)
	}
	if len(q.Include) > 0 {
		m["include"] = sortedUnique(q.Include)
	}
	if len(q.Refs) > 0 {
		refs := make(map[string]any, len(q.Refs))
		for path, sub := range q.Refs {
			if sub != nil {
				refs[path] = sub.canonical()
			}
		}
		m["refs"] = refs
	}
	if q.Locale != "" {
		m["locale"] = q.Locale
	}
	if len(q.Meta) > 0 {
		meta := make(map[string]any, len(q.Meta))
		for path, mode := range q.Meta {
			meta[path] = mode.String()
		}
		m["meta"] = meta
	}
	if len(q.Aggregate) > 0 {
		aggs := make([]any, len(q.Aggregate))
		for i, a := range q.Aggregate {
			aggs[i] = map[string]any{"fn": a.Fn.String(), "path": a.Path}
		}
		m["aggregate"] = aggs
	}
	if q.GroupBy != nil {
		m["groupBy"] = map[string]any{"path": q.GroupBy.Path, "interval": q.GroupBy.Interval.String()}
	}
	return m
}

func canonicalPredicate(p Predicate) any {
	switch p := p.(type) {
	case Cond:
		return map[string]any{"path": p.Path, "op": p.Op.String(), "value": canonicalValue(p.Value)}
	case *Cond:
		return canonicalPredicate(*p)
	case And:
		return map[string]any{"and": canonicalPredicates(p.Predicates)}
	case *And:
		return canonicalPredicate(*p)
	case Or:
		return map[string]any{"or": canonicalPredicates(p.Predicates)}
	case *Or:
		return canonicalPredicate(*p)
	}
	return nil
}

func canonicalPredicates(ps []Predicate) []any {
	out := make([]any, len(ps))
	for i, p := range ps {
		out[i] = canonicalPredicate(p)
	}
	return out
}

func canonicalValue(v any) any {
	switch v := v.(type) {
	case time.Time:
		return v.UnixMilli()
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = canonicalValue(e)
		}
		return out
	}
	return v
}
