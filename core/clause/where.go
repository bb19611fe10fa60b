// Package clause defines the structured where- and include-clause model used
// by subscriptions and queries. Raw clauses arrive as JSON objects on the
// wire; this package parses them into a validated tree that the relational
// compiler and the in-memory predicate evaluator both consume.
package clause

import (
	"fmt"
	"sort"

	"github.com/asaidimu/go-loom/core/schema"
)

// Operator is a comparison operator in a where clause.
type Operator string

// Supported comparison operators.
const (
	OpEq  Operator = "$eq"
	OpIn  Operator = "$in"
	OpNot Operator = "$not"
	OpGt  Operator = "$gt"
	OpGte Operator = "$gte"
	OpLt  Operator = "$lt"
	OpLte Operator = "$lte"
)

// Logical combinators.
const (
	keyAnd = "$and"
	keyOr  = "$or"
)

// ValidationError reports a where clause that misuses an operator or names an
// unknown field. It is returned to the caller of find or subscribe.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid clause: %s", e.Detail)
	}
	return fmt.Sprintf("invalid clause: field %s: %s", e.Field, e.Detail)
}

// Condition is a single leaf comparison against one field.
type Condition struct {
	Field   string
	Op      Operator
	Value   any
	Negated bool
}

// Where is a parsed where clause scoped to one collection. Leaf conditions at
// a level combine with AND; explicit groups nest through And/Or; keys naming a
// relation open a nested scope over the target collection.
type Where struct {
	Collection string
	Conditions []Condition
	And        []Where
	Or         []Where
	Relations  map[string]RelationScope
}

// RelationScope is a nested where clause reached through a relation.
type RelationScope struct {
	Relation schema.Relation
	Where    Where
}

// IsEmpty reports whether the clause constrains anything at all.
func (w Where) IsEmpty() bool {
	return len(w.Conditions) == 0 && len(w.And) == 0 && len(w.Or) == 0 && len(w.Relations) == 0
}

// orderedComparators require a numeric or temporal field.
var orderedComparators = map[Operator]bool{OpGt: true, OpGte: true, OpLt: true, OpLte: true}

// ParseWhere parses and validates a raw where clause against the given
// collection. The raw form is the wire shape: field names map to scalars,
// operator objects, or nested clauses under relation keys; $and / $or hold
// arrays of sub-clauses.
func ParseWhere(s *schema.Schema, c *schema.Collection, raw map[string]any) (Where, error) {
	w := Where{Collection: c.Name, Relations: map[string]RelationScope{}}
	if len(raw) == 0 {
		return w, nil
	}

	// Deterministic traversal keeps compiled plans stable across runs.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch key {
		case keyAnd, keyOr:
			subs, ok := value.([]any)
			if !ok {
				return Where{}, &ValidationError{Field: key, Detail: "expected an array of clauses"}
			}
			for _, sub := range subs {
				subMap, ok := sub.(map[string]any)
				if !ok {
					return Where{}, &ValidationError{Field: key, Detail: "clause entries must be objects"}
				}
				parsed, err := ParseWhere(s, c, subMap)
				if err != nil {
					return Where{}, err
				}
				if key == keyAnd {
					w.And = append(w.And, parsed)
				} else {
					w.Or = append(w.Or, parsed)
				}
			}

		default:
			if rel, ok := c.Relations[key]; ok {
				target, ok := s.Collection(rel.Target)
				if !ok {
					return Where{}, &ValidationError{Field: key, Detail: fmt.Sprintf("relation targets unknown collection %s", rel.Target)}
				}
				nestedRaw, ok := value.(map[string]any)
				if !ok {
					return Where{}, &ValidationError{Field: key, Detail: "relation traversal expects a nested clause"}
				}
				nested, err := ParseWhere(s, target, nestedRaw)
				if err != nil {
					return Where{}, err
				}
				w.Relations[key] = RelationScope{Relation: rel, Where: nested}
				continue
			}

			field, ok := c.Fields[key]
			if !ok {
				return Where{}, &ValidationError{Field: key, Detail: fmt.Sprintf("unknown field on collection %s", c.Name)}
			}
			conds, err := parseFieldClause(field, key, value)
			if err != nil {
				return Where{}, err
			}
			w.Conditions = append(w.Conditions, conds...)
		}
	}
	return w, nil
}

// parseFieldClause expands a single field entry into one or more conditions.
func parseFieldClause(field schema.Field, name string, value any) ([]Condition, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		// Scalar shorthand for equality; nil compiles to IS NULL.
		return []Condition{{Field: name, Op: OpEq, Value: value}}, nil
	}

	opKeys := make([]string, 0, len(ops))
	for k := range ops {
		opKeys = append(opKeys, k)
	}
	sort.Strings(opKeys)

	var conds []Condition
	for _, opKey := range opKeys {
		opValue := ops[opKey]
		switch Operator(opKey) {
		case OpEq:
			conds = append(conds, Condition{Field: name, Op: OpEq, Value: opValue})

		case OpIn:
			vals, err := inValues(name, opValue)
			if err != nil {
				return nil, err
			}
			conds = append(conds, Condition{Field: name, Op: OpIn, Value: vals})

		case OpNot:
			negated, err := parseNot(field, name, opValue)
			if err != nil {
				return nil, err
			}
			conds = append(conds, negated...)

		case OpGt, OpGte, OpLt, OpLte:
			if err := checkOrdered(field, name, Operator(opKey)); err != nil {
				return nil, err
			}
			conds = append(conds, Condition{Field: name, Op: Operator(opKey), Value: opValue})

		default:
			return nil, &ValidationError{Field: name, Detail: fmt.Sprintf("unknown operator %s", opKey)}
		}
	}
	return conds, nil
}

// parseNot handles both the short form ($not: value) and the long form
// ($not: {op: value}) of negation.
func parseNot(field schema.Field, name string, value any) ([]Condition, error) {
	inner, ok := value.(map[string]any)
	if !ok {
		// Short form equals its value; $not: null compiles to IS NOT NULL.
		return []Condition{{Field: name, Op: OpEq, Value: value, Negated: true}}, nil
	}
	conds, err := parseFieldClause(field, name, inner)
	if err != nil {
		return nil, err
	}
	for i := range conds {
		conds[i].Negated = !conds[i].Negated
	}
	return conds, nil
}

func inValues(name string, value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, &ValidationError{Field: name, Detail: "$in expects an array"}
	}
}

func checkOrdered(field schema.Field, name string, op Operator) error {
	if !orderedComparators[op] {
		return nil
	}
	switch field.Kind() {
	case schema.FieldKindNumber, schema.FieldKindTimestamp:
		return nil
	default:
		return &ValidationError{Field: name, Detail: fmt.Sprintf("%s requires a number or timestamp field, got %s", op, field.Kind())}
	}
}
