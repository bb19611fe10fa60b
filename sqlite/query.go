package sqlite

import (
	"fmt"
	"sort"
	"strings"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/core/storage"
)

// planner compiles a parsed query into a single SQLite SELECT. Where clauses
// that traverse `one` relations become LEFT JOINs aliased by target name;
// traversals of `many` relations become correlated EXISTS subqueries; include
// clauses become aggregated JSON subselects aliased as the relation name.
// Join order follows the depth-first traversal of the where tree, so
// equivalent queries compile to equivalent plans.
type planner struct {
	schema *schema.Schema
	params []any
}

func newPlanner(s *schema.Schema) *planner {
	return &planner{schema: s}
}

// selectPlan is a compiled find query together with the effective include
// set, which the row reader needs to decode the aggregated JSON columns.
type selectPlan struct {
	sql     string
	params  []any
	include clause.Include
}

// compileSelect compiles a full find query over the given collection.
func compileSelect(s *schema.Schema, c *schema.Collection, q *storage.Query) (*selectPlan, error) {
	return newPlanner(s).selectSQL(c, q)
}

// selectSQL compiles a full find query over the given collection.
func (p *planner) selectSQL(c *schema.Collection, q *storage.Query) (*selectPlan, error) {
	alias := c.Name

	selects := make([]string, 0, len(c.Fields)+len(q.Include))
	for _, name := range c.FieldNames() {
		selects = append(selects, fmt.Sprintf("%s.%s AS %s",
			quoteIdentifier(alias), quoteIdentifier(name), quoteIdentifier(name)))
	}

	include := q.Include
	if q.Where != nil {
		// Rows matched through a relation must carry the joined shape the
		// predicate relied on.
		include = mergeIncludes(clause.ExtractIncludeFromWhere(*q.Where), include)
	}
	for _, name := range include.RelationNames() {
		rel := c.Relations[name]
		sub, err := p.includeSQL(alias, c, name, rel, include[name])
		if err != nil {
			return nil, err
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", sub, quoteIdentifier(name)))
	}

	var joins []string
	var whereSQL string
	if q.Where != nil {
		compiled, err := p.compileScope(alias, c, *q.Where)
		if err != nil {
			return nil, err
		}
		joins = compiled.joins
		whereSQL = compiled.where
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + strings.Join(selects, ", "))
	sb.WriteString(" FROM " + quoteIdentifier(c.Name))
	for _, join := range joins {
		sb.WriteString(" " + join)
	}
	if whereSQL != "" {
		sb.WriteString(" WHERE " + whereSQL)
	}
	if len(q.OrderBy) > 0 {
		var terms []string
		for _, s := range q.OrderBy {
			terms = append(terms, fmt.Sprintf("%s.%s %s",
				quoteIdentifier(alias), quoteIdentifier(s.Field), strings.ToUpper(string(s.Direction))))
		}
		sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}
	if q.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}
	return &selectPlan{sql: sb.String() + ";", params: p.params, include: include}, nil
}

// compiled carries the WHERE fragment of one scope together with the joins
// the scope's `one`-relation traversals require.
type compiled struct {
	where string
	joins []string
}

// compileScope compiles one where scope. Leaf conditions and nested groups at
// a level combine with AND; $or groups nest with OR; relation scopes either
// join (one) or wrap in EXISTS (many).
func (p *planner) compileScope(alias string, c *schema.Collection, w clause.Where) (compiled, error) {
	var out compiled
	var parts []string

	for _, cond := range w.Conditions {
		field, ok := c.Fields[cond.Field]
		if !ok {
			return compiled{}, fmt.Errorf("unknown field %s.%s", c.Name, cond.Field)
		}
		sql, err := p.compileCondition(alias, field, cond)
		if err != nil {
			return compiled{}, err
		}
		parts = append(parts, sql)
	}

	for _, group := range w.And {
		sub, err := p.compileScope(alias, c, group)
		if err != nil {
			return compiled{}, err
		}
		out.joins = append(out.joins, sub.joins...)
		if sub.where != "" {
			parts = append(parts, "("+sub.where+")")
		}
	}

	if len(w.Or) > 0 {
		var ors []string
		for _, group := range w.Or {
			sub, err := p.compileScope(alias, c, group)
			if err != nil {
				return compiled{}, err
			}
			out.joins = append(out.joins, sub.joins...)
			if sub.where != "" {
				ors = append(ors, "("+sub.where+")")
			}
		}
		if len(ors) > 0 {
			parts = append(parts, "("+strings.Join(ors, " OR ")+")")
		}
	}

	relNames := make([]string, 0, len(w.Relations))
	for name := range w.Relations {
		relNames = append(relNames, name)
	}
	sort.Strings(relNames)

	for _, name := range relNames {
		scope := w.Relations[name]
		target, ok := p.schema.Collection(scope.Relation.Target)
		if !ok {
			return compiled{}, fmt.Errorf("relation %s targets unknown collection %s", name, scope.Relation.Target)
		}

		switch scope.Relation.Kind {
		case schema.RelationOne:
			primary, _ := target.PrimaryField()
			join := fmt.Sprintf("LEFT JOIN %s ON %s.%s = %s.%s",
				quoteIdentifier(target.Name),
				quoteIdentifier(target.Name), quoteIdentifier(primary),
				quoteIdentifier(alias), quoteIdentifier(scope.Relation.LocalColumn))
			out.joins = appendJoin(out.joins, join)

			sub, err := p.compileScope(target.Name, target, scope.Where)
			if err != nil {
				return compiled{}, err
			}
			out.joins = appendJoins(out.joins, sub.joins)
			if sub.where != "" {
				parts = append(parts, sub.where)
			}

		case schema.RelationMany:
			primary, _ := c.PrimaryField()
			inner := newPlanner(p.schema)
			sub, err := inner.compileScope(target.Name, target, scope.Where)
			if err != nil {
				return compiled{}, err
			}
			var sb strings.Builder
			sb.WriteString("EXISTS (SELECT 1 FROM " + quoteIdentifier(target.Name))
			for _, join := range sub.joins {
				sb.WriteString(" " + join)
			}
			sb.WriteString(fmt.Sprintf(" WHERE %s.%s = %s.%s",
				quoteIdentifier(target.Name), quoteIdentifier(scope.Relation.ForeignColumn),
				quoteIdentifier(alias), quoteIdentifier(primary)))
			if sub.where != "" {
				sb.WriteString(" AND " + sub.where)
			}
			sb.WriteString(")")
			p.params = append(p.params, inner.params...)
			parts = append(parts, sb.String())
		}
	}

	out.where = strings.Join(parts, " AND ")
	return out, nil
}

// compileCondition compiles a leaf comparison, normalizing null to IS NULL /
// IS NOT NULL.
func (p *planner) compileCondition(alias string, field schema.Field, cond clause.Condition) (string, error) {
	accessor := quoteIdentifier(alias) + "." + quoteIdentifier(cond.Field)

	switch cond.Op {
	case clause.OpEq:
		if cond.Value == nil {
			if cond.Negated {
				return accessor + " IS NOT NULL", nil
			}
			return accessor + " IS NULL", nil
		}
		value, err := p.bind(field, cond.Value)
		if err != nil {
			return "", err
		}
		p.params = append(p.params, value)
		if cond.Negated {
			return accessor + " != ?", nil
		}
		return accessor + " = ?", nil

	case clause.OpIn:
		vals, _ := cond.Value.([]any)
		if len(vals) == 0 {
			// An empty set matches nothing; its negation matches everything.
			if cond.Negated {
				return "1=1", nil
			}
			return "1=0", nil
		}
		placeholders := strings.Repeat("?,", len(vals)-1) + "?"
		for _, v := range vals {
			bound, err := p.bind(field, v)
			if err != nil {
				return "", err
			}
			p.params = append(p.params, bound)
		}
		op := "IN"
		if cond.Negated {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", accessor, op, placeholders), nil

	case clause.OpGt, clause.OpGte, clause.OpLt, clause.OpLte:
		value, err := p.bind(field, cond.Value)
		if err != nil {
			return "", err
		}
		p.params = append(p.params, value)
		var sqlOp string
		switch cond.Op {
		case clause.OpGt:
			sqlOp = ">"
		case clause.OpGte:
			sqlOp = ">="
		case clause.OpLt:
			sqlOp = "<"
		case clause.OpLte:
			sqlOp = "<="
		}
		expr := fmt.Sprintf("%s %s ?", accessor, sqlOp)
		if cond.Negated {
			expr = "NOT (" + expr + ")"
		}
		return expr, nil

	default:
		return "", fmt.Errorf("unsupported operator %s", cond.Op)
	}
}

// bind converts a clause value into a driver parameter for the field's
// column type.
func (p *planner) bind(field schema.Field, value any) (any, error) {
	converted, err := field.Convert(value)
	if err != nil {
		return nil, err
	}
	return prepareValue(field, converted)
}

// includeSQL compiles an included relation into an aggregated JSON subselect
// correlated with the parent row: a JSON object for `one`, a JSON array for
// `many`.
func (p *planner) includeSQL(parentAlias string, c *schema.Collection, name string, rel schema.Relation, sub *clause.SubQuery) (string, error) {
	target, ok := p.schema.Collection(rel.Target)
	if !ok {
		return "", fmt.Errorf("relation %s targets unknown collection %s", name, rel.Target)
	}
	// The relation name aliases the target inside the subselect, which keeps
	// self-referencing schemas unambiguous.
	alias := name

	object, err := p.jsonObjectSQL(alias, target, sub)
	if err != nil {
		return "", err
	}

	if rel.Kind == schema.RelationOne {
		targetPrimary, _ := target.PrimaryField()
		return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s.%s = %s.%s)",
			object,
			quoteIdentifier(target.Name), quoteIdentifier(alias),
			quoteIdentifier(alias), quoteIdentifier(targetPrimary),
			quoteIdentifier(parentAlias), quoteIdentifier(rel.LocalColumn)), nil
	}

	parentPrimary, _ := c.PrimaryField()
	correlation := fmt.Sprintf("%s.%s = %s.%s",
		quoteIdentifier(alias), quoteIdentifier(rel.ForeignColumn),
		quoteIdentifier(parentAlias), quoteIdentifier(parentPrimary))

	conditions := []string{correlation}
	if sub != nil && sub.Where != nil {
		inner, err := p.compileScope(alias, target, *sub.Where)
		if err != nil {
			return "", err
		}
		if len(inner.joins) > 0 {
			return "", fmt.Errorf("include %s: relation traversal in an include where is not supported", name)
		}
		if inner.where != "" {
			conditions = append(conditions, inner.where)
		}
	}

	aggregate := "json_group_array(" + object
	if sub != nil && len(sub.OrderBy) > 0 {
		var terms []string
		for _, s := range sub.OrderBy {
			terms = append(terms, fmt.Sprintf("%s.%s %s",
				quoteIdentifier(alias), quoteIdentifier(s.Field), strings.ToUpper(string(s.Direction))))
		}
		aggregate += " ORDER BY " + strings.Join(terms, ", ")
	}
	aggregate += ")"

	if sub != nil && sub.Limit > 0 {
		// LIMIT per parent row without lateral joins: restrict the aggregate
		// to the first n target keys picked by a correlated subquery. The
		// sub-where is compiled a second time so its parameters bind again.
		targetPrimary, _ := target.PrimaryField()
		pickAlias := target.Name
		pickConditions := []string{fmt.Sprintf("%s.%s = %s.%s",
			quoteIdentifier(pickAlias), quoteIdentifier(rel.ForeignColumn),
			quoteIdentifier(parentAlias), quoteIdentifier(parentPrimary))}
		if sub.Where != nil {
			pickWhere, err := p.compileScope(pickAlias, target, *sub.Where)
			if err != nil {
				return "", err
			}
			if pickWhere.where != "" {
				pickConditions = append(pickConditions, pickWhere.where)
			}
		}
		pick := fmt.Sprintf("%s.%s IN (SELECT %s.%s FROM %s WHERE %s",
			quoteIdentifier(alias), quoteIdentifier(targetPrimary),
			quoteIdentifier(pickAlias), quoteIdentifier(targetPrimary),
			quoteIdentifier(target.Name),
			strings.Join(pickConditions, " AND "))
		if len(sub.OrderBy) > 0 {
			var terms []string
			for _, s := range sub.OrderBy {
				terms = append(terms, fmt.Sprintf("%s.%s %s",
					quoteIdentifier(pickAlias), quoteIdentifier(s.Field), strings.ToUpper(string(s.Direction))))
			}
			pick += " ORDER BY " + strings.Join(terms, ", ")
		}
		pick += fmt.Sprintf(" LIMIT %d)", sub.Limit)
		conditions = append(conditions, pick)
	}

	return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s)",
		aggregate,
		quoteIdentifier(target.Name), quoteIdentifier(alias),
		strings.Join(conditions, " AND ")), nil
}

// jsonObjectSQL renders one target row as a JSON object, recursing into
// nested includes as correlated subselects.
func (p *planner) jsonObjectSQL(alias string, c *schema.Collection, sub *clause.SubQuery) (string, error) {
	var pairs []string
	for _, name := range c.FieldNames() {
		accessor := quoteIdentifier(alias) + "." + quoteIdentifier(name)
		if c.Fields[name].Kind() == schema.FieldKindJSON {
			accessor = "json(" + accessor + ")"
		}
		pairs = append(pairs, fmt.Sprintf("'%s', %s", name, accessor))
	}
	if sub != nil {
		for _, name := range sub.Include.RelationNames() {
			rel, ok := c.Relations[name]
			if !ok {
				return "", fmt.Errorf("unknown relation %s.%s", c.Name, name)
			}
			nested, err := p.includeSQL(alias, c, name, rel, sub.Include[name])
			if err != nil {
				return "", err
			}
			pairs = append(pairs, fmt.Sprintf("'%s', json(%s)", name, nested))
		}
	}
	return "json_object(" + strings.Join(pairs, ", ") + ")", nil
}

// mergeIncludes overlays explicit includes on top of the implicit set derived
// from the where clause; explicit entries win.
func mergeIncludes(implicit, explicit clause.Include) clause.Include {
	if len(implicit) == 0 {
		return explicit
	}
	out := clause.Include{}
	for name, sub := range implicit {
		out[name] = sub
	}
	for name, sub := range explicit {
		out[name] = sub
	}
	return out
}

func appendJoin(joins []string, join string) []string {
	for _, existing := range joins {
		if existing == join {
			return joins
		}
	}
	return append(joins, join)
}

func appendJoins(joins []string, more []string) []string {
	for _, join := range more {
		joins = appendJoin(joins, join)
	}
	return joins
}
