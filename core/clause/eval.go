package clause

import (
	"reflect"

	"github.com/asaidimu/go-loom/core/schema"
)

// Matches evaluates a parsed where clause against a row in its inferred shape
// (field name to plain value). It implements the same operator semantics as
// the relational compiler and is used by the sync server to decide which
// subscriptions a mutation fans out to.
//
// Relation scopes evaluate against joined data present on the row: a `one`
// relation against a nested object, a `many` relation against an array where
// at least one element must match. A relation scope with no joined data on
// the row does not match.
func Matches(row map[string]any, w Where) bool {
	for _, cond := range w.Conditions {
		if !matchCondition(row, cond) {
			return false
		}
	}
	for _, group := range w.And {
		if !Matches(row, group) {
			return false
		}
	}
	if len(w.Or) > 0 {
		matched := false
		for _, group := range w.Or {
			if Matches(row, group) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for name, scope := range w.Relations {
		if !matchRelation(row[name], scope) {
			return false
		}
	}
	return true
}

func matchRelation(joined any, scope RelationScope) bool {
	switch scope.Relation.Kind {
	case schema.RelationOne:
		nested, ok := joined.(map[string]any)
		if !ok {
			return false
		}
		return Matches(nested, scope.Where)
	case schema.RelationMany:
		rows, ok := joined.([]any)
		if !ok {
			return false
		}
		for _, item := range rows {
			nested, ok := item.(map[string]any)
			if ok && Matches(nested, scope.Where) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchCondition(row map[string]any, cond Condition) bool {
	value := row[cond.Field]
	matched := false

	switch cond.Op {
	case OpEq:
		matched = looseEqual(value, cond.Value)
	case OpIn:
		vals, _ := cond.Value.([]any)
		for _, candidate := range vals {
			if looseEqual(value, candidate) {
				matched = true
				break
			}
		}
	case OpGt, OpGte, OpLt, OpLte:
		matched = matchOrdered(value, cond.Op, cond.Value)
	}

	if cond.Negated {
		return !matched
	}
	return matched
}

func matchOrdered(value any, op Operator, bound any) bool {
	if value == nil || bound == nil {
		return false
	}
	if lv, lok := toFloat(value); lok {
		rv, rok := toFloat(bound)
		if !rok {
			return false
		}
		switch op {
		case OpGt:
			return lv > rv
		case OpGte:
			return lv >= rv
		case OpLt:
			return lv < rv
		case OpLte:
			return lv <= rv
		}
		return false
	}
	// Timestamps compare lexicographically as ISO-8601 strings.
	ls, lok := value.(string)
	rs, rok := bound.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case OpGt:
		return ls > rs
	case OpGte:
		return ls >= rs
	case OpLt:
		return ls < rs
	case OpLte:
		return ls <= rs
	}
	return false
}

// looseEqual compares values with numeric normalization, since JSON decoding
// and driver scanning disagree about integer widths.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
