package clause

import (
	"fmt"
	"sort"

	"github.com/asaidimu/go-loom/core/schema"
)

// SortDirection specifies the direction of an ordering term.
type SortDirection string

// Supported sort directions.
const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sort orders query results by a single field.
type Sort struct {
	Field     string
	Direction SortDirection
}

// SubQuery scopes an included relation: an optional nested where, ordering,
// limit and further includes over the relation's target collection.
type SubQuery struct {
	Where   *Where
	OrderBy []Sort
	Limit   int
	Include Include
}

// Include maps relation names to the sub-query that shapes the joined rows.
type Include map[string]*SubQuery

// RelationNames returns the included relation names in deterministic order.
func (inc Include) RelationNames() []string {
	names := make([]string, 0, len(inc))
	for name := range inc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseInclude parses a raw include clause against the given collection. Each
// entry is either `true` or a sub-query object with where/orderBy/limit and
// nested includes.
func ParseInclude(s *schema.Schema, c *schema.Collection, raw map[string]any) (Include, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	inc := make(Include, len(raw))
	for name, value := range raw {
		rel, ok := c.Relations[name]
		if !ok {
			return nil, &ValidationError{Field: name, Detail: fmt.Sprintf("unknown relation on collection %s", c.Name)}
		}
		target, ok := s.Collection(rel.Target)
		if !ok {
			return nil, &ValidationError{Field: name, Detail: fmt.Sprintf("relation targets unknown collection %s", rel.Target)}
		}

		switch v := value.(type) {
		case bool:
			if !v {
				continue
			}
			inc[name] = &SubQuery{}

		case map[string]any:
			sub := &SubQuery{}
			if rawWhere, ok := v["where"].(map[string]any); ok {
				parsed, err := ParseWhere(s, target, rawWhere)
				if err != nil {
					return nil, err
				}
				sub.Where = &parsed
			}
			if rawLimit, ok := v["limit"]; ok {
				limit, ok := toInt(rawLimit)
				if !ok {
					return nil, &ValidationError{Field: name, Detail: "limit must be an integer"}
				}
				sub.Limit = limit
			}
			if rawOrder, ok := v["orderBy"].(map[string]any); ok {
				sorts, err := ParseOrderBy(target, rawOrder)
				if err != nil {
					return nil, err
				}
				sub.OrderBy = sorts
			}
			if rawInclude, ok := v["include"].(map[string]any); ok {
				nested, err := ParseInclude(s, target, rawInclude)
				if err != nil {
					return nil, err
				}
				sub.Include = nested
			}
			inc[name] = sub

		default:
			return nil, &ValidationError{Field: name, Detail: "include entries must be true or a sub-query object"}
		}
	}
	return inc, nil
}

// ParseOrderBy parses a `{field: "asc"|"desc"}` ordering object.
func ParseOrderBy(c *schema.Collection, raw map[string]any) ([]Sort, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sorts []Sort
	for _, field := range keys {
		if _, ok := c.Fields[field]; !ok {
			return nil, &ValidationError{Field: field, Detail: fmt.Sprintf("unknown field on collection %s", c.Name)}
		}
		dir, _ := raw[field].(string)
		switch SortDirection(dir) {
		case SortAsc, SortDesc:
			sorts = append(sorts, Sort{Field: field, Direction: SortDirection(dir)})
		default:
			return nil, &ValidationError{Field: field, Detail: fmt.Sprintf("invalid sort direction %q", dir)}
		}
	}
	return sorts, nil
}

// ExtractIncludeFromWhere derives the implicit include set from the relations
// a where clause traverses, so rows returned for a relation-constrained query
// carry the joined shape the predicate relied on.
func ExtractIncludeFromWhere(w Where) Include {
	if len(w.Relations) == 0 && len(w.And) == 0 && len(w.Or) == 0 {
		return nil
	}
	inc := Include{}
	for name, scope := range w.Relations {
		sub := &SubQuery{}
		if nested := ExtractIncludeFromWhere(scope.Where); nested != nil {
			sub.Include = nested
		}
		inc[name] = sub
	}
	for _, group := range append(append([]Where{}, w.And...), w.Or...) {
		for name, sub := range ExtractIncludeFromWhere(group) {
			if _, exists := inc[name]; !exists {
				inc[name] = sub
			}
		}
	}
	if len(inc) == 0 {
		return nil
	}
	return inc
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
